// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// EndpointUp returns a probe that passes while url answers with a 2xx.
// It is the default liveness signal for remote provider endpoints.
func EndpointUp(url string, timeout time.Duration) CheckFunc {
	client := &http.Client{Timeout: timeout}
	return func() (bool, string) {
		resp, err := client.Get(url)
		if err != nil {
			return false, fmt.Sprintf("unreachable: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return false, fmt.Sprintf("status %d", resp.StatusCode)
		}
		return true, "ok"
	}
}

// ModelRequirement bounds the context window a model may be loaded with.
// Zero bounds are ignored.
type ModelRequirement struct {
	Name       string
	MinContext int
	MaxContext int
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type ollamaPsResponse struct {
	Models []struct {
		Name          string `json:"name"`
		ContextLength int    `json:"context_length"`
	} `json:"models"`
}

// OllamaModelReady probes one Ollama model. The model must be installed;
// when it is currently loaded, its context window must sit inside the
// requirement bounds. A cold model passes since it loads on demand.
func OllamaModelReady(baseURL string, req ModelRequirement, timeout time.Duration) CheckFunc {
	client := &http.Client{Timeout: timeout}
	base := strings.TrimSuffix(baseURL, "/")

	return func() (bool, string) {
		var tags ollamaTagsResponse
		if err := getJSON(client, base+"/api/tags", &tags); err != nil {
			return false, err.Error()
		}
		installed := false
		for _, m := range tags.Models {
			if sameOllamaModel(m.Name, req.Name) {
				installed = true
				break
			}
		}
		if !installed {
			return false, fmt.Sprintf("model %s not installed", req.Name)
		}

		var ps ollamaPsResponse
		if err := getJSON(client, base+"/api/ps", &ps); err != nil {
			return false, err.Error()
		}
		for _, m := range ps.Models {
			if !sameOllamaModel(m.Name, req.Name) {
				continue
			}
			if req.MinContext > 0 && m.ContextLength < req.MinContext {
				return false, fmt.Sprintf("loaded with ctx=%d, want >= %d", m.ContextLength, req.MinContext)
			}
			if req.MaxContext > 0 && m.ContextLength > req.MaxContext {
				return false, fmt.Sprintf("loaded with ctx=%d, want <= %d", m.ContextLength, req.MaxContext)
			}
			return true, fmt.Sprintf("loaded, ctx=%d", m.ContextLength)
		}
		return true, "installed, not loaded"
	}
}

func getJSON(client *http.Client, url string, out interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("unreachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode error: %v", err)
	}
	return nil
}

// sameOllamaModel compares model names tolerating an implicit :latest tag.
func sameOllamaModel(a, b string) bool {
	if a == b {
		return true
	}
	return strings.TrimSuffix(a, ":latest") == strings.TrimSuffix(b, ":latest")
}
