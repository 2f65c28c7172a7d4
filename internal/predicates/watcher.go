package predicates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/edirooss/litedb/internal/revstore"
)

// Watcher seeds a Registry from a JSON config file on boot and live-updates
// it on changes: a debounced fsnotify loop that applies the file once, then
// watches for further edits, swapping in a newly parsed predicate set only
// once it parses cleanly in full.
type Watcher struct {
	log *zap.Logger
	reg *Registry

	configPath string
	debounce   time.Duration
}

// configFile is the on-disk contract: named predicate instances, each a
// "kind" identifying a constructor and a params bag interpreted by that
// constructor.
type configFile struct {
	Validations []predicateSpec `json:"validations"`
	Filters     []predicateSpec `json:"filters"`
}

type predicateSpec struct {
	Name   string          `json:"name"`
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params"`
}

// StartWatcher constructs a Watcher, applies configPath once, and starts a
// debounced filesystem watch. The watch goroutine runs until ctx is
// cancelled. debounce defaults to 750ms.
func StartWatcher(ctx context.Context, log *zap.Logger, reg *Registry, configPath string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 750 * time.Millisecond
	}
	w := &Watcher{
		log:        log.Named("predicates"),
		reg:        reg,
		configPath: configPath,
		debounce:   debounce,
	}

	if err := w.applyOnce(); err != nil {
		return nil, fmt.Errorf("initial apply: %w", err)
	}
	go w.watch(ctx)
	return w, nil
}

func (w *Watcher) loadConfig(path string) (*configFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	var cfg configFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return &cfg, nil
}

// applyOnce rebuilds the registry's validator and filter sets from disk,
// swapping them in only after every entry parses successfully, so a
// malformed edit never leaves the registry half-updated.
func (w *Watcher) applyOnce() error {
	abs, err := filepath.Abs(w.configPath)
	if err != nil {
		abs = w.configPath
	}
	cfg, err := w.loadConfig(abs)
	if err != nil {
		return fmt.Errorf("load predicate config: %w", err)
	}

	validators := make(map[string]revstore.ValidationPredicate, len(cfg.Validations))
	for _, spec := range cfg.Validations {
		p, err := buildValidation(spec)
		if err != nil {
			return fmt.Errorf("validation %q: %w", spec.Name, err)
		}
		validators[spec.Name] = p
	}

	filters := make(map[string]revstore.FilterPredicate, len(cfg.Filters))
	for _, spec := range cfg.Filters {
		p, err := buildFilter(spec)
		if err != nil {
			return fmt.Errorf("filter %q: %w", spec.Name, err)
		}
		filters[spec.Name] = p
	}

	w.reg.replaceValidators(validators)
	w.reg.replaceFilters(filters)

	w.log.Info("predicate config applied",
		zap.Int("validations", len(validators)),
		zap.Int("filters", len(filters)),
		zap.String("path", abs),
	)
	return nil
}

func buildValidation(spec predicateSpec) (revstore.ValidationPredicate, error) {
	switch spec.Kind {
	case "require_fields":
		var params struct {
			Fields []string `json:"fields"`
		}
		if err := json.Unmarshal(spec.Params, &params); err != nil {
			return nil, err
		}
		return NewRequireFields(spec.Name, params.Fields), nil
	case "immutable_fields":
		var params struct {
			Fields []string `json:"fields"`
		}
		if err := json.Unmarshal(spec.Params, &params); err != nil {
			return nil, err
		}
		return NewImmutableFields(spec.Name, params.Fields), nil
	case "max_body_fields":
		var params struct {
			Max int `json:"max"`
		}
		if err := json.Unmarshal(spec.Params, &params); err != nil {
			return nil, err
		}
		return NewMaxBodyFields(spec.Name, params.Max), nil
	default:
		return nil, errUnknownPredicate(spec.Kind)
	}
}

func buildFilter(spec predicateSpec) (revstore.FilterPredicate, error) {
	switch spec.Kind {
	case "doc_id_prefix":
		var params struct {
			Prefixes []string `json:"prefixes"`
		}
		if err := json.Unmarshal(spec.Params, &params); err != nil {
			return nil, err
		}
		return NewDocIDPrefix(spec.Name, params.Prefixes), nil
	case "exclude_deleted":
		return NewExcludeDeleted(spec.Name), nil
	default:
		return nil, errUnknownPredicate(spec.Kind)
	}
}

// watch sets up fsnotify on the config file's directory and runs a
// debounced reload on relevant events, identical in structure to the
// teacher's SpecSyncService.watch.
func (w *Watcher) watch(ctx context.Context) {
	abs, err := filepath.Abs(w.configPath)
	if err != nil {
		abs = w.configPath
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Error("watcher init", zap.Error(err))
		return
	}
	defer fsw.Close()

	dir := filepath.Dir(abs)
	if err := fsw.Add(dir); err != nil {
		w.log.Error("watch add dir", zap.String("dir", dir), zap.Error(err))
		return
	}

	var t *time.Timer
	trigger := func() {
		if err := w.applyOnce(); err != nil {
			w.log.Warn("reload failed", zap.Error(err))
		}
	}
	reset := func() {
		if t != nil {
			t.Stop()
		}
		t = time.AfterFunc(w.debounce, trigger)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Name != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				reset()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}
