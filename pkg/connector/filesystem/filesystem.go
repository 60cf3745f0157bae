// Package filesystem is the FILE_SYSTEM connector: text file reads and
// writes confined to one directory.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/dshills/flowagent/pkg/connector"
	"github.com/dshills/flowagent/pkg/result"
	"github.com/dshills/flowagent/pkg/storage"
	"github.com/dshills/flowagent/pkg/validation"
)

// Name is the connector name workflows target.
const Name = "FILE_SYSTEM"

// Actions.
const (
	ActionReadFile  = "READ_FILE"
	ActionWriteFile = "WRITE_FILE"
)

// MaxFileSize bounds reads and writes.
const MaxFileSize = 10 << 20

// Connector reads and writes files under a sandbox.
type Connector struct {
	sandbox *validation.Sandbox
	log     logrus.FieldLogger
}

// New creates baseDir if needed and returns a connector rooted there.
func New(baseDir string, log logrus.FieldLogger) (*Connector, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("invalid file connector directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create file connector directory: %w", err)
	}
	sb, err := validation.NewSandbox(abs)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Connector{sandbox: sb, log: log.WithField("connector", Name)}, nil
}

// Register adds the FILE_SYSTEM actions to r.
func (c *Connector) Register(r *connector.Registry) {
	r.Register(Name, ActionReadFile, c.readFile,
		connector.WithDescription("Read a UTF-8 text file. Params: path (relative)."))
	r.Register(Name, ActionWriteFile, c.writeFile,
		connector.WithDescription("Create or overwrite a text file. Params: path (relative), content."))
}

// Base returns the sandbox directory.
func (c *Connector) Base() string { return c.sandbox.Base() }

func (c *Connector) resolve(p connector.Params) (string, string, error) {
	userPath, err := p.String("path")
	if err != nil {
		return "", "", err
	}
	full, err := c.sandbox.Resolve(userPath)
	if err != nil {
		c.log.WithError(err).Warn("rejected file path")
		return "", "", connector.Permanent(fmt.Errorf("access to path '%s' is not allowed", userPath))
	}
	return userPath, full, nil
}

func (c *Connector) readFile(_ context.Context, p connector.Params) (result.Result, error) {
	userPath, full, err := c.resolve(p)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, connector.Permanent(fmt.Errorf("file not found at '%s'", userPath))
	}
	if err != nil {
		return nil, fmt.Errorf("could not read file '%s': %w", userPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not read file '%s': %w", userPath, err)
	}
	if info.IsDir() {
		return nil, connector.Permanent(fmt.Errorf("path '%s' is not a file", userPath))
	}
	if info.Size() > MaxFileSize {
		return nil, connector.Permanent(fmt.Errorf("file '%s' is larger than %d bytes", userPath, MaxFileSize))
	}

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize))
	if err != nil {
		return nil, fmt.Errorf("could not read file '%s': %w", userPath, err)
	}
	if !utf8.Valid(data) {
		return nil, connector.Permanent(fmt.Errorf("file '%s' is not UTF-8 text", userPath))
	}
	return result.Text{Text: string(data)}, nil
}

func (c *Connector) writeFile(_ context.Context, p connector.Params) (result.Result, error) {
	userPath, full, err := c.resolve(p)
	if err != nil {
		return nil, err
	}
	content, ok := p["content"].(string)
	if !ok {
		return nil, connector.Permanent(errors.New("parameter 'content' must be a string"))
	}
	if len(content) > MaxFileSize {
		return nil, connector.Permanent(fmt.Errorf("content is larger than %d bytes", MaxFileSize))
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("could not create directory for '%s': %w", userPath, err)
	}
	if err := storage.WriteFileAtomic(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("could not write file '%s': %w", userPath, err)
	}
	return result.OK(fmt.Sprintf("Wrote %d bytes to %s", len(content), userPath)), nil
}
