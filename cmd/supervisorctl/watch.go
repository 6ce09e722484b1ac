package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/urfave/cli/v2"
)

// event mirrors the supervisor's event stream payload.
type event struct {
	Type        string          `json:"type"`
	ComponentID string          `json:"component_id,omitempty"`
	JobID       string          `json:"job_id,omitempty"`
	State       string          `json:"state,omitempty"`
	Status      string          `json:"status,omitempty"`
	Detail      string          `json:"detail,omitempty"`
	Patch       json.RawMessage `json:"patch,omitempty"`
	Time        time.Time       `json:"time"`
}

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "follow the component table live from the event stream",
		Action: func(ctx *cli.Context) error {
			client := clientFromCtx(ctx)
			w := &watcher{client: client, docs: map[string]json.RawMessage{}}
			if err := w.snapshot(); err != nil {
				return err
			}
			w.render()
			return w.follow(ctx)
		},
	}
}

// watcher maintains a local copy of every component document and keeps
// it current by applying the RFC 6902 patches carried on state-change
// events.
type watcher struct {
	client *apiClient
	docs   map[string]json.RawMessage
}

func (w *watcher) snapshot() error {
	var comps []json.RawMessage
	if err := w.client.get("/v1/components", &comps); err != nil {
		return err
	}
	w.docs = map[string]json.RawMessage{}
	for _, doc := range comps {
		var c component
		if err := json.Unmarshal(doc, &c); err != nil {
			return err
		}
		w.docs[c.ID] = doc
	}
	return nil
}

func (w *watcher) follow(ctx *cli.Context) error {
	req, err := http.NewRequestWithContext(ctx.Context, http.MethodGet, w.client.base+"/v1/events", nil)
	if err != nil {
		return err
	}
	resp, err := w.client.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from event stream", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		var ev event
		if err := json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &ev); err != nil {
			continue
		}
		if err := w.apply(ev); err != nil {
			// A patch we cannot apply means our copy drifted, resync.
			if err := w.snapshot(); err != nil {
				return err
			}
		}
		w.render()
	}
	return scanner.Err()
}

func (w *watcher) apply(ev event) error {
	if ev.Type != "state_changed" {
		return nil
	}
	if ev.State == "removed" {
		delete(w.docs, ev.ComponentID)
		return nil
	}
	doc, ok := w.docs[ev.ComponentID]
	if !ok || len(ev.Patch) == 0 {
		var fresh json.RawMessage
		if err := w.client.get("/v1/components/"+ev.ComponentID, &fresh); err != nil {
			return err
		}
		w.docs[ev.ComponentID] = fresh
		return nil
	}
	patch, err := jsonpatch.DecodePatch(ev.Patch)
	if err != nil {
		return err
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return err
	}
	w.docs[ev.ComponentID] = patched
	return nil
}

func (w *watcher) render() {
	ids := make([]string, 0, len(w.docs))
	for id := range w.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	comps := make([]component, 0, len(ids))
	for _, id := range ids {
		var c component
		if err := json.Unmarshal(w.docs[id], &c); err != nil {
			continue
		}
		comps = append(comps, c)
	}
	// Clear the screen between renders.
	fmt.Print("\033[H\033[2J")
	printComponents(comps)
}
