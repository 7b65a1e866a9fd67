package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/ilyakaznacheev/cleanenv"
	"golang.org/x/sync/errgroup"

	"github.com/getsentry/sampletree/internal/calltree"
	"github.com/getsentry/sampletree/internal/storageprovider"
	"github.com/getsentry/sampletree/internal/storageutil"
	"github.com/getsentry/sampletree/internal/wire"
)

type (
	config struct {
		StorageBackend string `env:"STORAGE_BACKEND" env-default:"gcs"`
		StorageURL     string `env:"STORAGE_URL"`
		GCSBucket      string `env:"GCS_BUCKET" env-default:"sentry-sample-trees"`
		BadgerPath     string `env:"BADGER_PATH" env-default:"/var/lib/sampletree"`
		Workers        int    `env:"DOWNLOAD_WORKERS" env-default:"32"`
	}

	traceDump struct {
		wire.TraceInfo
		Tree []calltree.Node `json:"tree"`
	}

	traceDataDump struct {
		Methods []string    `json:"methods"`
		Traces  []traceDump `json:"traces"`
	}
)

// dump decodes the artifact at path, verifying its checksums, and returns it
// as indented JSON.
func dump(ctx context.Context, h storageutil.ObjectHandler, path string) ([]byte, error) {
	ref, err := storageutil.ParseArtifactPath(path)
	if err != nil {
		return nil, err
	}
	var v interface{}
	err = storageutil.ReadCompressed(ctx, h, path, func(r io.Reader) error {
		switch ref.Kind {
		case storageutil.KindSummary:
			s, err := wire.ReadSummary(r)
			v = s
			return err
		default:
			td, err := wire.ReadTraceData(r)
			if err != nil {
				return err
			}
			v = traceDataToDump(td)
			return nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}
	return json.MarshalIndent(v, "", "  ")
}

func traceDataToDump(td *wire.TraceData) traceDataDump {
	d := traceDataDump{Methods: td.Methods}
	for _, info := range td.Traces {
		t := traceDump{TraceInfo: info}
		td.Trees[info.Name].ForEach(func(_ int, n calltree.Node) {
			t.Tree = append(t.Tree, n)
		})
		d.Traces = append(d.Traces, t)
	}
	return d
}

func download(ctx context.Context, h storageutil.ObjectHandler, root, path string) error {
	b, err := dump(ctx, h, path)
	if err != nil {
		return err
	}
	dst := filepath.Join(root, filepath.FromSlash(path)+".json")
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0644)
}

func main() {
	args := os.Args[1:]
	if len(args) != 2 {
		fmt.Println("./downloader <file of artifact paths> <destination directory>")
		return
	}

	var cfg config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	h, closeStorage, err := storageprovider.Open(ctx, storageprovider.Config{
		Backend:    cfg.StorageBackend,
		URL:        cfg.StorageURL,
		GCSBucket:  cfg.GCSBucket,
		BadgerPath: cfg.BadgerPath,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer closeStorage()

	objectPathList := args[0]
	destination := args[1]
	file, err := os.Open(objectPathList)
	if err != nil {
		log.Fatal(err)
	}
	defer file.Close()

	var g errgroup.Group
	g.SetLimit(cfg.Workers)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		path := scanner.Text()
		if path == "" {
			continue
		}
		g.Go(func() error {
			// a broken artifact does not stop the others
			if err := download(ctx, h, destination, path); err != nil {
				log.Println(err)
				return nil
			}
			log.Println(path)
			return nil
		})
	}

	if err := scanner.Err(); err != nil {
		log.Fatal(err)
	}

	_ = g.Wait()
}
