package mod

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Factory builds fresh instances of a mod's server and/or agent-side
// halves. Either field may be nil -- a mod can be server-only,
// agent-only, or both.
type Factory struct {
	NewServerMod func() ServerMod
	NewAdapter   func() Adapter
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a factory under key to the process-wide mod registry.
// Concrete mods call this from an init() func, the static-linking
// equivalent of dropping a package where a dynamic importer would find
// it: there is no filesystem package scan in a compiled Go binary, so
// resolution happens against whatever registered itself at startup.
func Register(key string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[key] = f
}

func lookup(key string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[key]
	return f, ok
}

// conventionalKeys returns the fallback registry keys tried for modName
// when no manifest entry names one explicitly, in priority order.
func conventionalKeys(modName string) []string {
	return []string{modName, modName + "_mod", modName + "Mod"}
}

// manifestEntry is one mod's row in the manifest file: the registry keys
// for its server mod and/or agent adapter halves.
type manifestEntry struct {
	ServerMod string `yaml:"server_mod"`
	Adapter   string `yaml:"adapter"`
}

// manifestFile is keyed by mod name.
type manifestFile map[string]manifestEntry

// LoadError reports one mod that failed to resolve or instantiate.
// Loading continues past a LoadError; it is never fatal to the caller.
type LoadError struct {
	ModName string
	Reason  string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("mod %q: %s", e.ModName, e.Reason)
}

// Loaded is one successfully resolved mod. ServerMod and/or Adapter may
// be nil if the mod only implements one half. ServerModKey/AdapterKey
// record which registry key each half resolved to, for diagnostics --
// they may differ from Name when resolution fell back to a conventional
// name or a prefix match rather than an explicit manifest entry.
type Loaded struct {
	Name      string
	ServerMod ServerMod
	Adapter   Adapter

	ServerModKey string
	AdapterKey   string
}

// Load resolves each name in names to a Loaded mod, consulting the
// manifest at manifestPath (if it exists) for explicit registry-key
// bindings and falling back to conventional names, then to a full
// registry scan for a key that merely starts with modName. A mod that
// can't be resolved or instantiated produces a LoadError and is skipped;
// the remaining mods still load.
func Load(names []string, manifestPath string) ([]Loaded, []*LoadError) {
	manifest := readManifest(manifestPath)

	var loaded []Loaded
	var errs []*LoadError

	for _, name := range names {
		l, err := loadOne(name, manifest)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		loaded = append(loaded, l)
	}
	return loaded, errs
}

func readManifest(path string) manifestFile {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil
	}
	return mf
}

func loadOne(name string, manifest manifestFile) (Loaded, *LoadError) {
	serverKey, adapterKey := "", ""
	if entry, ok := manifest[name]; ok {
		serverKey, adapterKey = entry.ServerMod, entry.Adapter
	}

	serverFactory, serverKey, serverFound := resolveFactory(name, serverKey, func(f Factory) bool { return f.NewServerMod != nil })
	adapterFactory, adapterKey, adapterFound := resolveFactory(name, adapterKey, func(f Factory) bool { return f.NewAdapter != nil })

	if !serverFound && !adapterFound {
		return Loaded{}, &LoadError{ModName: name, Reason: "no registered server mod or adapter satisfies this name"}
	}

	l := Loaded{Name: name}
	if serverFound {
		l.ServerMod = serverFactory.NewServerMod()
		l.ServerModKey = serverKey
	}
	if adapterFound {
		l.Adapter = adapterFactory.NewAdapter()
		l.AdapterKey = adapterKey
	}
	return l, nil
}

// resolveFactory finds the factory satisfying want for modName: an
// explicit manifest key first, then conventional names, then any
// registry key with modName as a prefix.
func resolveFactory(modName, explicitKey string, want func(Factory) bool) (Factory, string, bool) {
	if explicitKey != "" {
		if f, ok := lookup(explicitKey); ok && want(f) {
			return f, explicitKey, true
		}
	}
	for _, key := range conventionalKeys(modName) {
		if f, ok := lookup(key); ok && want(f) {
			return f, key, true
		}
	}

	registryMu.RLock()
	defer registryMu.RUnlock()
	for key, f := range registry {
		if len(key) >= len(modName) && key[:len(modName)] == modName && want(f) {
			return f, key, true
		}
	}
	return Factory{}, "", false
}
