package main

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/getsentry/sampletree/internal/storageutil"
	"github.com/getsentry/sampletree/internal/wire"
)

type (
	KafkaWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// WindowKafkaMessage announces a window written to the store.
	WindowKafkaMessage struct {
		ID             string              `json:"id"`
		App            string              `json:"app"`
		Cluster        string              `json:"cluster"`
		Process        string              `json:"process"`
		WindowStart    int64               `json:"window_start"`
		WindowDuration int64               `json:"window_duration_s"`
		Traces         []wire.TraceSummary `json:"traces"`
		Samples        uint64              `json:"samples"`
		ErroredSamples uint64              `json:"errored_samples"`
		SummaryPath    string              `json:"summary_path"`
		TraceDataPath  string              `json:"trace_data_path"`
	}

	kafkaNotifier struct {
		writer KafkaWriter
		topic  string
	}
)

func buildWindowKafkaMessage(s wire.Summary) WindowKafkaMessage {
	ref := storageutil.ArtifactRef{
		App:     s.App,
		Cluster: s.Cluster,
		Process: s.Process,
		Window:  s.Window,
	}
	m := WindowKafkaMessage{
		ID:             uuid.New().String(),
		App:            s.App,
		Cluster:        s.Cluster,
		Process:        s.Process,
		WindowStart:    s.Window.Start.Unix(),
		WindowDuration: int64(s.Window.Duration.Seconds()),
		Traces:         s.Traces,
		ErroredSamples: s.ErroredSamples,
		SummaryPath:    ref.WithKind(storageutil.KindSummary).Path(),
		TraceDataPath:  ref.WithKind(storageutil.KindTraceData).Path(),
	}
	for _, t := range s.Traces {
		m.Samples += t.Samples
	}
	return m
}

// WindowPersisted implements window.Notifier. Messages of a process share a
// key so they land on the same partition in order.
func (n kafkaNotifier) WindowPersisted(ctx context.Context, s wire.Summary) error {
	b, err := json.Marshal(buildWindowKafkaMessage(s))
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Topic: n.topic,
		Key:   []byte(strings.Join([]string{s.App, s.Cluster, s.Process}, "/")),
		Value: b,
	})
}
