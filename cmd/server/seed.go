package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// seedNodesFromYAML registers the backend fleet listed in a YAML manifest,
// keyed by family id:
//
//	gemini:
//	  - http://10.0.0.1:8000
//	  - http://10.0.0.2:8000
//	sd:
//	  - http://10.0.1.1:9000
//
// Seeded rows start healthy with a fresh heartbeat so the fleet is routable
// before the first agent report arrives.
func seedNodesFromYAML(ctx domain.Context, nodes domain.NodeRepository, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) { return fmt.Errorf("seed file not found: %s", path) }
		return err
	}
	var doc map[string][]string
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("yaml parse: %w", err)
	}
	now := time.Now().UTC()
	count := 0
	for familyID, urls := range doc {
		for _, u := range urls {
			u = strings.TrimRight(strings.TrimSpace(u), "/")
			if u == "" { continue }
			node := domain.ServiceNode{URL: u, Status: domain.NodeHealthy, LastHeartbeat: now}
			if err := nodes.Upsert(ctx, familyID, node); err != nil {
				return fmt.Errorf("upsert %s node %s: %w", familyID, u, err)
			}
			count++
		}
	}
	if count == 0 { return fmt.Errorf("no nodes to seed in %s", path) }
	return nil
}
