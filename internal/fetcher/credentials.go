package fetcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
)

var ErrNoCredentials = errors.New("no credentials available")

// Credential is one logged-in browser session exported as a cookie header.
type Credential struct {
	Email  string `json:"email"`
	Cookie string `json:"cookie"`
}

// ProxyEntry is one line of the proxy pool.
type ProxyEntry struct {
	Alive bool   `json:"alive"`
	Proxy string `json:"proxy"`
}

// CredentialProvider supplies a credential and an optional proxy per session.
type CredentialProvider interface {
	Credential() (Credential, error)
	// Proxy returns false when no alive proxy is listed.
	Proxy() (string, bool, error)
}

// FileProvider reads the cookie and proxy pools from JSON files on every
// call, so the files can be rotated while a run is in progress.
type FileProvider struct {
	CookiesFile string
	ProxiesFile string
	// Index pins Credential to one entry instead of a random pick.
	Index *int
}

// NewFileProvider returns a provider over the given pool files.
func NewFileProvider(cookiesFile, proxiesFile string, index *int) *FileProvider {
	return &FileProvider{CookiesFile: cookiesFile, ProxiesFile: proxiesFile, Index: index}
}

// Credential picks a cookie entry.
func (p *FileProvider) Credential() (Credential, error) {
	var creds []Credential
	if err := readJSONFile(p.CookiesFile, &creds); err != nil {
		return Credential{}, fmt.Errorf("load cookies: %w", err)
	}
	if len(creds) == 0 {
		return Credential{}, ErrNoCredentials
	}
	if p.Index != nil {
		idx := *p.Index
		if idx < 0 || idx >= len(creds) {
			return Credential{}, fmt.Errorf("cookie index %d out of range [0,%d)", idx, len(creds))
		}
		return creds[idx], nil
	}
	return creds[rand.Intn(len(creds))], nil
}

// Proxy picks one of the entries marked alive.
func (p *FileProvider) Proxy() (string, bool, error) {
	var entries []ProxyEntry
	if err := readJSONFile(p.ProxiesFile, &entries); err != nil {
		return "", false, fmt.Errorf("load proxies: %w", err)
	}
	alive := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Alive && strings.TrimSpace(e.Proxy) != "" {
			alive = append(alive, strings.TrimSpace(e.Proxy))
		}
	}
	if len(alive) == 0 {
		return "", false, nil
	}
	return alive[rand.Intn(len(alive))], true, nil
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
