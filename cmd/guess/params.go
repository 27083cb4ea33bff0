package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/copyleftdev/ratefit/internal/config"
)

// params is a guess configuration file. Every key is optional; values from
// later files replace those from earlier ones, and whatever no file sets
// keeps the environment configuration.
type params struct {
	JPLMBin    *string   `json:"jplm_bin"`
	Input      *string   `json:"lightfield_raw_path"`
	Name       *string   `json:"lightfield_name"`
	MaxCores   *int      `json:"max_cores"`
	TargetBPPs []float64 `json:"target_bpps"`
	U          *int      `json:"u"`
	V          *int      `json:"v"`
	T          *int      `json:"t"`
	S          *int      `json:"s"`
	DelFiles   *bool     `json:"del_files"`
	Unit       *string   `json:"unit"`
	Method     *string   `json:"method"`
	Lower      *float64  `json:"lower"`
	Upper      *float64  `json:"upper"`
	Tolerance  *float64  `json:"tolerance"`
	MaxRounds  *int      `json:"max_rounds"`
	WorkDir    *string   `json:"work_dir"`
	Prefill    []float64 `json:"prefill"`

	CacheBackend *string `json:"cache_backend"`
	CacheDir     *string `json:"cache_dir"`
	CacheCodec   *string `json:"cache_codec"`
}

// loadParams merges the JSON objects in paths left to right.
func loadParams(paths []string) (*params, error) {
	merged := map[string]json.RawMessage{}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		for k, v := range doc {
			merged[k] = v
		}
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var p params
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &p, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

// apply overlays the file values on cfg and validates the result.
func (p *params) apply(cfg *config.Config) error {
	setString(&cfg.Encoder.BinDir, p.JPLMBin)
	setString(&cfg.Encoder.Input, p.Input)
	setString(&cfg.Encoder.Name, p.Name)
	setInt(&cfg.Search.Threads, p.MaxCores)
	setInt(&cfg.Encoder.U, p.U)
	setInt(&cfg.Encoder.V, p.V)
	setInt(&cfg.Encoder.T, p.T)
	setInt(&cfg.Encoder.S, p.S)
	if p.DelFiles != nil {
		cfg.Encoder.DeleteArtifacts = *p.DelFiles
	}
	setString(&cfg.Encoder.Unit, p.Unit)
	setString(&cfg.Encoder.WorkDir, p.WorkDir)
	setString(&cfg.Search.Method, p.Method)
	setFloat(&cfg.Search.Lower, p.Lower)
	setFloat(&cfg.Search.Upper, p.Upper)
	setFloat(&cfg.Search.Tolerance, p.Tolerance)
	setInt(&cfg.Search.MaxRounds, p.MaxRounds)
	setString(&cfg.Cache.Backend, p.CacheBackend)
	setString(&cfg.Cache.Dir, p.CacheDir)
	setString(&cfg.Cache.Codec, p.CacheCodec)

	if strings.TrimSpace(cfg.Encoder.BinDir) == "" {
		return fmt.Errorf("jplm_bin is required")
	}
	if strings.TrimSpace(cfg.Encoder.Input) == "" {
		return fmt.Errorf("lightfield_raw_path is required")
	}
	return cfg.Validate()
}
