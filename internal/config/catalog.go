package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/smallbiznis/allowance/pkg/period"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// CatalogDocument is the declarative catalog: resources, features and the
// plans granting them.
type CatalogDocument struct {
	Resources []ResourceSpec `mapstructure:"resources"`
	Features  []FeatureSpec  `mapstructure:"features"`
	Plans     []PlanSpec     `mapstructure:"plans"`
}

type ResourceSpec struct {
	Codename string `mapstructure:"codename"`
	Unit     string `mapstructure:"unit"`
}

type FeatureSpec struct {
	Codename    string `mapstructure:"codename"`
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Negative    bool   `mapstructure:"negative"`
}

type PlanSpec struct {
	Codename     string        `mapstructure:"codename"`
	Name         string        `mapstructure:"name"`
	ChargePeriod period.Period `mapstructure:"charge_period"`
	MaxDuration  period.Period `mapstructure:"max_duration"`
	Default      bool          `mapstructure:"default"`
	Disabled     bool          `mapstructure:"disabled"`
	Features     []string      `mapstructure:"features"`
	Quotas       []QuotaSpec   `mapstructure:"quotas"`
}

type QuotaSpec struct {
	Resource       string        `mapstructure:"resource"`
	Limit          int64         `mapstructure:"limit"`
	RechargePeriod period.Period `mapstructure:"recharge_period"`
	BurnsIn        period.Period `mapstructure:"burns_in"`
}

// Validate checks references and quota invariants.
func (d CatalogDocument) Validate() error {
	resources := make(map[string]struct{}, len(d.Resources))
	for _, r := range d.Resources {
		code := strings.TrimSpace(r.Codename)
		if code == "" {
			return errors.New("catalog: resource codename is required")
		}
		resources[code] = struct{}{}
	}
	features := make(map[string]struct{}, len(d.Features))
	for _, f := range d.Features {
		features[strings.TrimSpace(f.Codename)] = struct{}{}
	}

	plans := make(map[string]struct{}, len(d.Plans))
	for _, p := range d.Plans {
		code := strings.TrimSpace(p.Codename)
		if code == "" {
			return errors.New("catalog: plan codename is required")
		}
		if _, dup := plans[code]; dup {
			return fmt.Errorf("catalog: duplicate plan %q", code)
		}
		plans[code] = struct{}{}
		for _, check := range []struct {
			label string
			value period.Period
		}{{"charge_period", p.ChargePeriod}, {"max_duration", p.MaxDuration}} {
			if !check.value.IsZero() && !check.value.Positive() {
				return fmt.Errorf("catalog: plan %q %s must be positive", code, check.label)
			}
		}
		for _, f := range p.Features {
			if _, ok := features[strings.TrimSpace(f)]; !ok {
				return fmt.Errorf("catalog: plan %q references unknown feature %q", code, f)
			}
		}
		for _, q := range p.Quotas {
			if _, ok := resources[strings.TrimSpace(q.Resource)]; !ok {
				return fmt.Errorf("catalog: plan %q references unknown resource %q", code, q.Resource)
			}
			if q.Limit <= 0 {
				return fmt.Errorf("catalog: plan %q quota %q limit must be positive", code, q.Resource)
			}
			if !q.RechargePeriod.IsZero() && !q.RechargePeriod.Positive() {
				return fmt.Errorf("catalog: plan %q quota %q recharge_period must be positive", code, q.Resource)
			}
			if !q.BurnsIn.IsZero() && !q.BurnsIn.Positive() {
				return fmt.Errorf("catalog: plan %q quota %q burns_in must be positive", code, q.Resource)
			}
		}
	}
	return nil
}

// LoadCatalog reads a catalog document once.
func LoadCatalog(path string) (CatalogDocument, error) {
	v, err := newCatalogViper(path)
	if err != nil {
		return CatalogDocument{}, err
	}
	return decodeCatalog(v)
}

// CatalogHolder keeps the latest valid catalog document and reloads it when
// the file changes.
type CatalogHolder struct {
	current atomic.Value // holds CatalogDocument
	log     *zap.Logger

	mu        sync.Mutex
	listeners []func(CatalogDocument)
}

func NewCatalogHolder(path string, log *zap.Logger) (*CatalogHolder, error) {
	v, err := newCatalogViper(path)
	if err != nil {
		return nil, err
	}
	doc, err := decodeCatalog(v)
	if err != nil {
		return nil, err
	}

	holder := &CatalogHolder{log: log.Named("catalog.config")}
	holder.current.Store(doc)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeCatalog(v)
		if err != nil {
			holder.log.Warn("catalog reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		holder.log.Info("catalog reloaded", zap.String("file", e.Name))
		holder.notify(updated)
	})

	return holder, nil
}

func (h *CatalogHolder) Get() CatalogDocument {
	return h.current.Load().(CatalogDocument)
}

// OnChange registers fn to run after every successful reload.
func (h *CatalogHolder) OnChange(fn func(CatalogDocument)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

func (h *CatalogHolder) notify(doc CatalogDocument) {
	h.mu.Lock()
	listeners := append([]func(CatalogDocument){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(doc)
	}
}

func newCatalogViper(path string) (*viper.Viper, error) {
	v := viper.New()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("catalog")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/allowance")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return v, nil
}

func decodeCatalog(v *viper.Viper) (CatalogDocument, error) {
	var doc CatalogDocument
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&doc, hook); err != nil {
		return CatalogDocument{}, fmt.Errorf("decode catalog: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return CatalogDocument{}, err
	}
	return doc, nil
}
