package model

import (
	"encoding/json"
	"os"
	"path"

	"github.com/pkg/errors"

	"github.com/videoml/trainflow/srcs/go/log"
)

// NopTelemetry discards everything. Non-root workers use it.
type NopTelemetry struct{}

func (NopTelemetry) Log(int, map[string]float64)  {}
func (NopTelemetry) LogArtifacts(int, []Artifact) {}

// FileTelemetry appends scalar metrics as JSON lines to metrics.jsonl
// under dir and writes artifacts next to it, one file per artifact.
// Every metrics record carries runID so interleaved runs writing to the
// same directory stay distinguishable.
type FileTelemetry struct {
	dir     string
	runID   string
	metrics *os.File
}

func NewFileTelemetry(dir, runID string) (*FileTelemetry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create telemetry dir")
	}
	f, err := os.OpenFile(path.Join(dir, "metrics.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open metrics log")
	}
	return &FileTelemetry{dir: dir, runID: runID, metrics: f}, nil
}

func (t *FileTelemetry) Log(step int, values map[string]float64) {
	rec := make(map[string]interface{}, len(values)+2)
	rec["step"] = step
	if t.runID != "" {
		rec["run"] = t.runID
	}
	for k, v := range values {
		rec[k] = v
	}
	bs, err := json.Marshal(rec)
	if err != nil {
		log.Warnf("telemetry: encode metrics: %v", err)
		return
	}
	if _, err := t.metrics.Write(append(bs, '\n')); err != nil {
		log.Warnf("telemetry: write metrics: %v", err)
	}
}

func (t *FileTelemetry) LogArtifacts(step int, artifacts []Artifact) {
	for _, a := range artifacts {
		name := a.Name + a.Ext
		if err := os.WriteFile(path.Join(t.dir, name), a.Data, 0644); err != nil {
			log.Warnf("telemetry: write artifact %s: %v", name, err)
			continue
		}
		if a.Caption != "" {
			log.Debugf("artifact %s: %s", name, a.Caption)
		}
	}
}

func (t *FileTelemetry) Close() error {
	return t.metrics.Close()
}
