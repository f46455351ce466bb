package loader

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"kestrel/internal/logger"
	"kestrel/internal/trader"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// profileSchema 校验单个风险画像的参数块。
const profileSchema = `{
  "type": "object",
  "properties": {
    "take_profit_pct":         {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
    "stop_loss_pct":           {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
    "pnl_target_pct":          {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
    "trailing_activation_pct": {"type": "number", "exclusiveMinimum": 0, "maximum": 0.25},
    "trailing_atr_mult":       {"type": "number", "minimum": 0},
    "trailing_callback_pct":   {"type": "number", "exclusiveMinimum": 0, "maximum": 0.25}
  },
  "additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("risk_profile.json", strings.NewReader(profileSchema)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("risk_profile.json")
	})
	return schemaCompiled, schemaErr
}

// Profile 是一套命名的离场风险参数。
type Profile struct {
	ID          string             `yaml:"id"`
	Description string             `yaml:"description"`
	ExitMode    string             `yaml:"exit_mode"`
	Params      map[string]float64 `yaml:"params"`
}

// ExitConfig 把画像翻译成生命周期管理器的离场配置。
func (p Profile) ExitConfig() (trader.ExitConfig, error) {
	var mode trader.ExitMode
	switch strings.ToLower(strings.TrimSpace(p.ExitMode)) {
	case "take_profit":
		mode = trader.ExitTakeProfit
	case "trailing_stop":
		mode = trader.ExitTrailingStop
	case "pnl_percent":
		mode = trader.ExitPnLPercent
	default:
		return trader.ExitConfig{}, fmt.Errorf("profile %s: unknown exit_mode %q", p.ID, p.ExitMode)
	}
	return trader.ExitConfig{
		Mode:          mode,
		TakeProfitPct: p.Params["take_profit_pct"],
		StopLossPct:   p.Params["stop_loss_pct"],
		PnLTargetPct:  p.Params["pnl_target_pct"],
		Trailing: trader.TrailingConfig{
			ActivationPct:     p.Params["trailing_activation_pct"],
			ActivationATRMult: p.Params["trailing_atr_mult"],
			CallbackPct:       p.Params["trailing_callback_pct"],
		},
	}, nil
}

// FileConfig 映射 risk_profiles。
type FileConfig struct {
	RiskProfiles map[string]Profile `yaml:"risk_profiles"`
}

// Snapshot 公开的画像快照。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Profiles map[string]Profile
}

// ChangeListener 在 registry 重载时触发。
type ChangeListener func(Snapshot)

// Registry 管理风险画像，文件变更时热重载并通知监听方。
// 监听方（会话调度器）只对之后开的仓生效。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 读取画像文件并监听更新。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("risk profile registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read risk profile config failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("risk profile reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot 返回当前画像集。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Profile 返回指定 ID 的画像。
func (r *Registry) Profile(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.snapshot.Profiles[strings.TrimSpace(id)]
	return p, ok
}

// Names 返回画像 ID，字典序。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.snapshot.Profiles))
	for id := range r.snapshot.Profiles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscribe 登记变更监听；立即用当前快照回调一次。
func (r *Registry) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	snap := cloneSnapshot(r.snapshot)
	r.mu.Unlock()
	fn(snap)
}

func (r *Registry) reload() error {
	cfg, err := readProfileFile(r.path)
	if err != nil {
		return err
	}
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile risk profile schema failed: %w", err)
	}
	profiles := make(map[string]Profile)
	for name, p := range cfg.RiskProfiles {
		norm, err := normalizeProfile(name, p, schema)
		if err != nil {
			return err
		}
		profiles[norm.ID] = norm
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Profiles: profiles,
	}
	r.mu.Unlock()
	logger.Infof("Risk profile registry loaded %d profiles from %s", len(profiles), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		go func(cb ChangeListener) {
			defer safeRecover("risk profile listener")
			cb(snap)
		}(fn)
	}
}

func normalizeProfile(name string, p Profile, schema *jsonschema.Schema) (Profile, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		p.ID = strings.TrimSpace(name)
	}
	p.Description = strings.TrimSpace(p.Description)
	params := make(map[string]any, len(p.Params))
	for k, v := range p.Params {
		params[k] = v
	}
	if err := schema.Validate(params); err != nil {
		return Profile{}, fmt.Errorf("profile %s params invalid: %w", p.ID, err)
	}
	if _, err := p.ExitConfig(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Profiles: make(map[string]Profile, len(src.Profiles)),
	}
	for id, p := range src.Profiles {
		dst.Profiles[id] = p
	}
	return dst
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}

func readProfileFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read risk profile config failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse risk profile config failed: %w", err)
	}
	return cfg, nil
}
