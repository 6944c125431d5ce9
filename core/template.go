package core

import (
	"bytes"
	"io/fs"
	"path"
	"strings"
	"sync"
	texttmpl "text/template"

	"github.com/pkg/errors"
)

var ErrTemplateNotFound = errors.New("message template not found")

type (
	// ContextData is what every message template receives.
	ContextData struct {
		AppName string
		Data    interface{}
	}

	// Templates holds the parsed message templates. Each template file defines a "subject"
	// and a "body" block and may use the blocks of `_base.txt`.
	Templates struct {
		appName string
		strict  bool

		mu    sync.RWMutex
		cache map[string]*texttmpl.Template // {name: *Template}
	}
)

// ParseTemplates parses every `<name>.txt` file of `dir` in `fsys` (files starting with "_" are partials).
func ParseTemplates(fsys fs.FS, dir string, conf *Config) (*Templates, error) {
	tmpls := &Templates{
		appName: conf.AppName,
		strict:  conf.Debug || conf.TestMode,
		cache:   make(map[string]*texttmpl.Template),
	}

	fps, err := fs.Glob(fsys, path.Join(dir, "*.txt"))
	if err != nil {
		return nil, errors.Wrap(err, "listing templates")
	}
	base := path.Join(dir, "_base.txt")

	for _, fp := range fps {
		fname := path.Base(fp)
		if strings.HasPrefix(fname, "_") {
			continue
		}
		tmpl, err := texttmpl.ParseFS(fsys, base, fp)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing template %s", fname)
		}
		if tmpls.strict {
			tmpl = tmpl.Option("missingkey=error")
		}
		tmpls.cache[strings.TrimSuffix(fname, ".txt")] = tmpl
	}
	return tmpls, nil
}

// Has reports whether the named template exists.
func (t *Templates) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.cache[name]
	return ok
}

// Render executes the named template and returns its subject and body.
func (t *Templates) Render(name string, data interface{}) (subject, body string, err error) {
	t.mu.RLock()
	tmpl, ok := t.cache[name]
	t.mu.RUnlock()
	if !ok {
		return "", "", errors.Wrap(ErrTemplateNotFound, name)
	}

	ctxData := ContextData{AppName: t.appName, Data: data}

	var buff bytes.Buffer
	if err = tmpl.ExecuteTemplate(&buff, "subject", ctxData); err != nil {
		return "", "", errors.Wrapf(err, "rendering %s subject", name)
	}
	subject = strings.TrimSpace(buff.String())

	buff.Reset()
	if err = tmpl.ExecuteTemplate(&buff, "body", ctxData); err != nil {
		return "", "", errors.Wrapf(err, "rendering %s body", name)
	}
	body = strings.TrimSpace(buff.String())
	return subject, body, nil
}
