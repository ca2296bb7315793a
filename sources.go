package udss

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var errNoSource = errors.New("no blocklist source configured")

// BlocklistSource supplies the active blocklist to a [Blocker].
type BlocklistSource interface {
	// LoadActiveDomains returns the exact hostnames to block.
	LoadActiveDomains(ctx context.Context) ([]string, error)

	// LoadActivePatterns returns regular expressions matched against hosts.
	LoadActivePatterns(ctx context.Context) ([]string, error)
}

// StaticSource returns a fixed blocklist.
type StaticSource struct {
	Domains  []string
	Patterns []string
}

// LoadActiveDomains implements BlocklistSource.
func (s *StaticSource) LoadActiveDomains(context.Context) ([]string, error) {
	return s.Domains, nil
}

// LoadActivePatterns implements BlocklistSource.
func (s *StaticSource) LoadActivePatterns(context.Context) ([]string, error) {
	return s.Patterns, nil
}

// MultiSource concatenates the blocklists of several sources. A failure in
// any source fails the whole load.
type MultiSource struct {
	Sources []BlocklistSource
}

// NewMultiSource combines sources into one.
func NewMultiSource(sources ...BlocklistSource) *MultiSource {
	return &MultiSource{Sources: sources}
}

// LoadActiveDomains implements BlocklistSource.
func (m *MultiSource) LoadActiveDomains(ctx context.Context) ([]string, error) {
	var all []string
	for i, s := range m.Sources {
		d, err := s.LoadActiveDomains(ctx)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		all = append(all, d...)
	}
	return all, nil
}

// LoadActivePatterns implements BlocklistSource.
func (m *MultiSource) LoadActivePatterns(ctx context.Context) ([]string, error) {
	var all []string
	for i, s := range m.Sources {
		p, err := s.LoadActivePatterns(ctx)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		all = append(all, p...)
	}
	return all, nil
}

// blocklistDoc is the YAML layout shared by FileSource and URLSource:
//
//	domains:
//	  - ads.example.com
//	patterns:
//	  - '^.*\.tracker\.net$'
type blocklistDoc struct {
	Domains  []string `yaml:"domains"`
	Patterns []string `yaml:"patterns"`
}

// ParseBlocklist decodes a blocklist document. YAML documents carry
// domains and patterns keys; anything else is read as a plain list with one
// domain per line, blank lines and '#' comments ignored.
func ParseBlocklist(data []byte) (domains, patterns []string, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil, nil
	}

	var doc blocklistDoc
	if yamlErr := yaml.Unmarshal(trimmed, &doc); yamlErr == nil && (doc.Domains != nil || doc.Patterns != nil) {
		return doc.Domains, doc.Patterns, nil
	}

	domains, err = parseDomainList(bytes.NewReader(trimmed))
	return domains, nil, err
}

func parseDomainList(r io.Reader) ([]string, error) {
	var domains []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return domains, nil
}

// FileSource reads a blocklist from a local file on every load, so edits
// take effect on the next reload.
type FileSource struct {
	Path string
}

// NewFileSource returns a source backed by the file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: filepath.Clean(path)}
}

func (f *FileSource) load() ([]string, []string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, nil, ioErr("read blocklist file", err)
	}
	d, p, err := ParseBlocklist(data)
	if err != nil {
		return nil, nil, configErr("parse blocklist "+f.Path, err)
	}
	return d, p, nil
}

// LoadActiveDomains implements BlocklistSource.
func (f *FileSource) LoadActiveDomains(context.Context) ([]string, error) {
	d, _, err := f.load()
	return d, err
}

// LoadActivePatterns implements BlocklistSource.
func (f *FileSource) LoadActivePatterns(context.Context) ([]string, error) {
	_, p, err := f.load()
	return p, err
}

// URLSource fetches a blocklist document over HTTP on every load.
type URLSource struct {
	URL string

	// Client for the fetch (uses http.DefaultClient if nil).
	Client *http.Client
}

// NewURLSource returns a source that fetches endpoint.
func NewURLSource(endpoint string) *URLSource {
	return &URLSource{URL: endpoint}
}

func (u *URLSource) load(ctx context.Context) ([]string, []string, error) {
	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL, nil)
	if err != nil {
		return nil, nil, configErr("blocklist url", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, ioErr("fetch blocklist", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, ioErr("fetch blocklist", fmt.Errorf("unexpected status: %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, ioErr("read blocklist", err)
	}
	return ParseBlocklist(data)
}

// LoadActiveDomains implements BlocklistSource.
func (u *URLSource) LoadActiveDomains(ctx context.Context) ([]string, error) {
	d, _, err := u.load(ctx)
	return d, err
}

// LoadActivePatterns implements BlocklistSource.
func (u *URLSource) LoadActivePatterns(ctx context.Context) ([]string, error) {
	_, p, err := u.load(ctx)
	return p, err
}
