package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/kidney-api/internal/logging"
	"github.com/Brownie44l1/kidney-api/internal/model"
	"github.com/Brownie44l1/kidney-api/internal/preprocess"
)

const barWidth = 40

type result struct {
	File       string
	Prediction *model.Prediction
}

func main() {
	modelPath := flag.String("model", filepath.Join("models", "kidney.onnx"), "Path to the ONNX model")
	labelsPath := flag.String("labels", filepath.Join("models", "labels.json"), "Path to the labels JSON file")
	libPath := flag.String("lib", "", "Path to the onnxruntime shared library (default: next to the model)")
	dir := flag.String("dir", "", "Classify every .jpg/.jpeg/.png file in this directory")
	csvPath := flag.String("csv", "", "Write filename,prediction,confidence rows to this file")
	info := flag.Bool("info", false, "Print the model architecture and classes")
	size := flag.Int("size", 224, "Side length the images are resized to")
	filterName := flag.String("filter", "bicubic", "Resize filter: nearest, bilinear, bicubic or lanczos3")
	verbose := flag.Bool("verbose", false, "Verbose logging")
	flag.Parse()

	level := log.WarnLevel
	if *verbose {
		level = log.DebugLevel
	}
	logging.Init("text", level)

	labels, err := model.LoadLabels(*labelsPath)
	if err != nil {
		log.Fatalf("Failed to load labels: %v", err)
	}
	filter, err := preprocess.ParseFilter(*filterName)
	if err != nil {
		log.Fatal(err)
	}
	pre := preprocess.New(*size, preprocess.NHWC, filter)

	if *libPath == "" {
		*libPath = filepath.Join(filepath.Dir(*modelPath), "libonnxruntime.so")
	}
	svc := model.NewService(*modelPath, labels,
		model.OpenONNX(model.ONNXOptions{LibPath: *libPath, IntraOpThreads: 4}),
		model.WithExpectedShape(pre.Shape()),
	)
	defer model.ShutdownRuntime()
	defer svc.Close()

	if *info {
		if _, err := svc.Load(); err != nil {
			log.Fatal(err)
		}
		arch, _ := svc.Architecture()
		printInfo(os.Stdout, svc.Path(), arch, labels)
	}

	files := flag.Args()
	if *dir != "" {
		found, err := findImages(*dir)
		if err != nil {
			log.Fatalf("Failed to list %s: %v", *dir, err)
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		if !*info {
			flag.Usage()
			os.Exit(2)
		}
		return
	}

	results := classifyAll(context.Background(), svc, pre, files)
	for _, r := range results {
		printResult(os.Stdout, r.File, r.Prediction)
	}
	fmt.Printf("\nClassified %d of %d images\n", len(results), len(files))

	if *csvPath != "" {
		f, err := os.Create(*csvPath)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", *csvPath, err)
		}
		if err := writeCSV(f, results); err != nil {
			f.Close()
			log.Fatalf("Failed to write %s: %v", *csvPath, err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("Failed to write %s: %v", *csvPath, err)
		}
		fmt.Printf("Results saved to %s\n", *csvPath)
	}
}

// classifyAll predicts every file in order. Files that cannot be read or
// decoded are skipped with a warning; a model that fails to load is fatal.
func classifyAll(ctx context.Context, svc *model.Service, pre *preprocess.Preprocessor, files []string) []result {
	results := make([]result, 0, len(files))
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			log.WithError(err).WithField("file", path).Warn("skipping file")
			continue
		}
		tensor, err := pre.Process(f)
		f.Close()
		if err != nil {
			log.WithError(err).WithField("file", path).Warn("skipping file")
			continue
		}

		pred, err := svc.Predict(ctx, tensor)
		if err != nil {
			var lerr *model.LoadError
			if errors.As(err, &lerr) {
				log.Fatal(err)
			}
			log.WithError(err).WithField("file", path).Warn("prediction failed")
			continue
		}
		results = append(results, result{File: path, Prediction: pred})
	}
	return results
}

// findImages returns the .jpg, .jpeg and .png files directly inside dir,
// sorted by name.
func findImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func printResult(w io.Writer, file string, pred *model.Prediction) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintf(w, "\n%s\nKIDNEY CT PREDICTION\n%s\n", rule, rule)
	if file != "" {
		fmt.Fprintf(w, "Image: %s\n", file)
	}
	fmt.Fprintf(w, "\nPredicted Class: %s (ID: %d)\n", pred.ClassName, pred.PredictedClass)
	fmt.Fprintf(w, "Confidence: %.4f (%.2f%%)\n", pred.Confidence, pred.Confidence*100)

	fmt.Fprintln(w, "\nAll Class Probabilities:")
	for _, name := range byProbability(pred.Probabilities) {
		p := pred.Probabilities[name]
		fmt.Fprintf(w, "  %-10s: %.6f %s\n", name, p, strings.Repeat("█", int(p*barWidth)))
	}
	fmt.Fprintln(w, rule)
}

// byProbability orders class names by descending probability, then name.
func byProbability(probs map[string]float64) []string {
	names := make([]string, 0, len(probs))
	for name := range probs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if probs[names[i]] != probs[names[j]] {
			return probs[names[i]] > probs[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}

func printInfo(w io.Writer, path string, arch model.Architecture, labels model.Labels) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintf(w, "%s\nMODEL INFORMATION\n%s\n", rule, rule)
	fmt.Fprintf(w, "Model path: %s\n", path)
	fmt.Fprintf(w, "Input:  %s %v\n", arch.InputName, arch.InputShape)
	fmt.Fprintf(w, "Output: %s %v\n", arch.OutputName, arch.OutputShape)
	if arch.Producer != "" {
		fmt.Fprintf(w, "Producer: %s\n", arch.Producer)
	}
	fmt.Fprintf(w, "\nClasses (%d):\n", labels.Len())
	for i, name := range labels {
		fmt.Fprintf(w, "  %d: %s\n", i, name)
	}
	fmt.Fprintln(w, rule)
}

func writeCSV(w io.Writer, results []result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"filename", "prediction", "confidence"}); err != nil {
		return err
	}
	for _, r := range results {
		row := []string{
			filepath.Base(r.File),
			r.Prediction.ClassName,
			strconv.FormatFloat(r.Prediction.Confidence, 'f', 6, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
