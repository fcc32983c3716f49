// Package jsruntime runs JavaScript handlers under lambdatester. Each
// invocation gets a fresh goja runtime whose timers, console and process
// bindings are backed by the invocation's event loop.
package jsruntime

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/osvaldoandrade/lambda-tester/internal/api"
	"github.com/osvaldoandrade/lambda-tester/internal/bundle"
	"github.com/osvaldoandrade/lambda-tester/pkg/lambdatester"
)

var (
	exportDefaultNamedRegex = regexp.MustCompile(`export\s+default\s+(async\s+)?function\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*\(`)
	exportDefaultAnonRegex  = regexp.MustCompile(`export\s+default\s+(async\s+)?function\s*\(`)
	exportFunctionRegex     = regexp.MustCompile(`export\s+(async\s+)?function\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*\(`)
	exportBindingRegex      = regexp.MustCompile(`export\s+(const|let|var)\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*=`)
)

// Module is a loaded handler bundle. It is immutable and can back any number
// of invocations.
type Module struct {
	root     string
	files    map[string][]byte
	manifest api.HandlerManifest
	env      map[string]string

	mu       sync.Mutex
	programs map[string]*goja.Program
}

// Option adjusts a Module at load time.
type Option func(*Module)

// WithHandler overrides the exported handler name from the manifest.
func WithHandler(name string) Option {
	return func(m *Module) {
		if name != "" {
			m.manifest.Handler = name
		}
	}
}

// WithEnv adds process.env entries. They take precedence over the manifest.
func WithEnv(env map[string]string) Option {
	return func(m *Module) {
		for k, v := range env {
			m.env[k] = v
		}
	}
}

// LoadDir loads the handler bundle stored in dir. LAMBDA_TASK_ROOT is the
// absolute path of dir.
func LoadDir(dir string, opts ...Option) (*Module, error) {
	files, err := bundle.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return Load(files, root, opts...)
}

// LoadTar loads a bundle tar. root is reported as LAMBDA_TASK_ROOT.
func LoadTar(data []byte, root string, opts ...Option) (*Module, error) {
	files, err := bundle.ExtractTar(data)
	if err != nil {
		return nil, err
	}
	return Load(files, root, opts...)
}

// Load builds a Module from in-memory files keyed by slash-separated path.
// The entry script is compiled eagerly so syntax errors surface here.
func Load(files map[string][]byte, root string, opts ...Option) (*Module, error) {
	manifest := api.DefaultManifest()
	if raw, ok := files[bundle.ManifestFile]; ok {
		parsed, err := api.ParseManifest(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", bundle.ManifestFile, err)
		}
		manifest = parsed
	}
	m := &Module{
		root:     root,
		files:    files,
		manifest: manifest,
		env:      map[string]string{},
		programs: map[string]*goja.Program{},
	}
	for k, v := range manifest.Env {
		m.env[k] = v
	}
	for _, opt := range opts {
		opt(m)
	}
	if _, ok := files[m.manifest.Entry]; !ok {
		return nil, fmt.Errorf("entry %s not found in bundle", m.manifest.Entry)
	}
	if _, err := m.program(m.manifest.Entry); err != nil {
		return nil, err
	}
	return m, nil
}

// Loader defers LoadDir to expectation time, for lambdatester.LoadHandler.
func Loader(dir string, opts ...Option) lambdatester.Loader {
	return func() (lambdatester.Handler, error) {
		m, err := LoadDir(dir, opts...)
		if err != nil {
			return nil, err
		}
		return m.Handler(), nil
	}
}

func (m *Module) Manifest() api.HandlerManifest {
	return m.manifest
}

func (m *Module) Root() string {
	return m.root
}

// Handler returns the lambdatester handler that evaluates the bundle and
// calls the exported function.
func (m *Module) Handler() lambdatester.Handler {
	return &jsHandler{module: m}
}

// EventSchema compiles the schema file named by the manifest, or returns nil
// when there is none.
func (m *Module) EventSchema() (*jsonschema.Schema, error) {
	name := m.manifest.EventSchema
	if name == "" {
		return nil, nil
	}
	raw, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("event schema %s not found in bundle", name)
	}
	url := "file:///" + strings.TrimPrefix(path.Join(filepath.ToSlash(m.root), name), "/")
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("event schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("event schema: %w", err)
	}
	return schema, nil
}

// Tester returns a tester preconfigured from the manifest: timeout, context
// overrides and event schema.
func (m *Module) Tester() (*lambdatester.Tester, error) {
	t := lambdatester.New(m.Handler())
	if d := m.manifest.Timeout(); d > 0 {
		t.Timeout(d)
	}
	if len(m.manifest.Context) > 0 {
		t.Context(m.manifest.Context)
	}
	schema, err := m.EventSchema()
	if err != nil {
		return nil, err
	}
	if schema != nil {
		t.EventSchema(schema)
	}
	return t, nil
}

// program compiles a bundle file as a CommonJS function wrapper. Programs
// are shared by every runtime created from this module.
func (m *Module) program(name string) (*goja.Program, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.programs[name]; ok {
		return p, nil
	}
	src, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("Cannot find module '%s'", name)
	}
	wrapped := "(function (exports, require, module, __filename, __dirname) {" +
		transformESModule(string(src)) +
		"\n})"
	p, err := goja.Compile(name, wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	m.programs[name] = p
	return p, nil
}

// resolve maps a require() specifier to a bundle file.
func (m *Module) resolve(from, modID string) (string, bool) {
	if !strings.HasPrefix(modID, "./") && !strings.HasPrefix(modID, "../") && !strings.HasPrefix(modID, "/") {
		return "", false
	}
	base := path.Join(path.Dir(from), modID)
	if strings.HasPrefix(modID, "/") {
		base = strings.TrimPrefix(path.Clean(modID), "/")
	}
	for _, candidate := range []string{base, base + ".js", base + ".json", path.Join(base, "index.js")} {
		if _, ok := m.files[candidate]; ok {
			return candidate, true
		}
	}
	return "", false
}

// transformESModule rewrites the export forms handlers commonly use into
// CommonJS assignments on exports.
func transformESModule(src string) string {
	if !strings.Contains(src, "export ") {
		return src
	}
	var tail []string
	for _, match := range exportFunctionRegex.FindAllStringSubmatch(src, -1) {
		tail = append(tail, fmt.Sprintf("exports.%s = %s;", match[2], match[2]))
	}
	src = exportFunctionRegex.ReplaceAllString(src, "${1}function ${2}(")
	for _, match := range exportBindingRegex.FindAllStringSubmatch(src, -1) {
		tail = append(tail, fmt.Sprintf("exports.%s = %s;", match[2], match[2]))
	}
	src = exportBindingRegex.ReplaceAllString(src, "${1} ${2} =")

	switch {
	case !strings.Contains(src, "export default"):
	case exportDefaultNamedRegex.MatchString(src):
		name := exportDefaultNamedRegex.FindStringSubmatch(src)[2]
		src = exportDefaultNamedRegex.ReplaceAllString(src, "${1}function "+name+"(")
		tail = append(tail, "exports.default = "+name+";")
	case exportDefaultAnonRegex.MatchString(src):
		src = exportDefaultAnonRegex.ReplaceAllString(src, "const __cs_default = ${1}function(")
		tail = append(tail, "exports.default = __cs_default;")
	default:
		src = strings.Replace(src, "export default", "const __cs_default =", 1)
		tail = append(tail, "exports.default = __cs_default;")
	}
	return src + "\n" + strings.Join(tail, "\n") + "\n"
}
