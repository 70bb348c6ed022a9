// Package quickconfig implements a bidirectional codec for wg-quick's
// .conf text format, extended with application metadata carried as
// comment-prefixed key/value pairs inside named sections.
package quickconfig

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/peridio/peridio-rat/model"
)

// Sentinel errors matching the codec error taxonomy.
var (
	ErrFileNotFound          = errors.New("quickconfig: file not found")
	ErrEmptyFile             = errors.New("quickconfig: empty file")
	ErrInvalidConfig         = errors.New("quickconfig: invalid config")
	ErrMissingRequiredKeys   = errors.New("quickconfig: missing required keys")
	ErrInvalidInteger        = errors.New("quickconfig: invalid integer")
	ErrInvalidEndpointFormat = errors.New("quickconfig: invalid endpoint format")
	ErrInvalidAllowedIPs     = errors.New("quickconfig: invalid allowed ips format")
	ErrDecode                = errors.New("quickconfig: decode error")
)

// interfaceKeys and peerKeys are the canonical, uncommented key sets for
// their respective sections. Anything else seen in these sections is
// moved to the extra bucket on decode.
var interfaceKeys = map[string]bool{
	"Address": true, "DNS": true, "MTU": true, "Table": true,
	"ListenPort": true, "PrivateKey": true, "PreUp": true, "PreDown": true,
	"PostUp": true, "PostDown": true, "SaveConfig": true,
}

var peerKeys = map[string]bool{
	"AllowedIPs": true, "PublicKey": true, "Endpoint": true,
	"PersistentKeepalive": true, "PresharedKey": true,
}

// Section is one [Name] block: an ordered, duplicate-preserving list of
// key/value pairs.
type Section struct {
	Name  string
	Pairs []model.KV
}

// Config is an ordered list of sections, exactly as read from or to be
// written to a .conf file. Canonical sections (Interface, Peer) and
// extra (application) sections are both represented uniformly; callers
// that need the canonical fields use Decode, whose result carries them
// as Interface, Peer and ExtraSections.
type Config struct {
	Sections []Section
}

// Get returns the first value of key within the named section, and
// whether it was present.
func (c *Config) Get(section, key string) (string, bool) {
	for _, s := range c.Sections {
		if s.Name != section {
			continue
		}
		for _, kv := range s.Pairs {
			if kv.Key == key {
				return kv.Value, true
			}
		}
	}
	return "", false
}

// GetInExtra returns every key/value pair named key within the named
// section, in file order, including duplicates.
func GetInExtra(c *Config, section, key string) []model.KV {
	var out []model.KV
	for _, s := range c.Sections {
		if s.Name != section {
			continue
		}
		for _, kv := range s.Pairs {
			if kv.Key == key {
				out = append(out, kv)
			}
		}
	}
	return out
}

// Parse decodes r into a Config. A leading "# " on any line is stripped
// before the line is otherwise interpreted, which is how comment-prefixed
// (non-canonical) keys and commented section headers round-trip.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	var cur *Section
	scanner := bufio.NewScanner(r)
	lineNo := 0
	sawAny := false
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ";") {
			continue
		}
		if strings.HasPrefix(trimmed, "# ") {
			trimmed = trimmed[2:]
		} else if trimmed == "#" {
			trimmed = ""
		}
		if trimmed == "" {
			continue
		}
		sawAny = true
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			name := strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			if name == "" {
				return nil, fmt.Errorf("%w: line %d: empty section name", ErrInvalidConfig, lineNo)
			}
			cfg.Sections = append(cfg.Sections, Section{Name: name})
			cur = &cfg.Sections[len(cfg.Sections)-1]
			continue
		}
		key, value, ok := splitKV(trimmed)
		if !ok {
			return nil, fmt.Errorf("%w: line %d: %q is not a section header or key = value pair", ErrInvalidConfig, lineNo, line)
		}
		kv := model.KV{Key: key, Value: value}
		if cur == nil {
			cfg.Sections = append(cfg.Sections, Section{Name: "", Pairs: []model.KV{kv}})
			cur = &cfg.Sections[len(cfg.Sections)-1]
			continue
		}
		cur.Pairs = append(cur.Pairs, kv)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecode, err)
	}
	if !sawAny {
		return nil, ErrEmptyFile
	}
	return cfg, nil
}

func splitKV(line string) (key, value string, ok bool) {
	idx := strings.Index(line, "=")
	if idx == -1 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

// keySetFor returns the canonical key set for a named section, or nil if
// the section itself is non-canonical (everything in it is commented).
func keySetFor(section string) map[string]bool {
	switch section {
	case "Interface":
		return interfaceKeys
	case "Peer":
		return peerKeys
	default:
		return nil
	}
}

// Encode writes cfg in canonical text form: sections in insertion order,
// separated by one blank line; canonical sections and canonical keys
// printed bare, everything else comment-prefixed with "# ".
func Encode(w io.Writer, cfg *Config) error {
	for i, s := range cfg.Sections {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		canonicalSection := s.Name == "Interface" || s.Name == "Peer"
		if canonicalSection {
			if _, err := fmt.Fprintf(w, "[%s]\n", s.Name); err != nil {
				return err
			}
		} else if s.Name != "" {
			if _, err := fmt.Fprintf(w, "# [%s]\n", s.Name); err != nil {
				return err
			}
		}
		keys := keySetFor(s.Name)
		for _, kv := range s.Pairs {
			line := fmt.Sprintf("%s = %s", kv.Key, kv.Value)
			if keys != nil && keys[kv.Key] {
				if _, err := fmt.Fprintln(w, line); err != nil {
					return err
				}
			} else {
				if _, err := fmt.Fprintf(w, "# %s\n", line); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// String renders cfg the way Encode would write it.
func String(cfg *Config) string {
	var sb strings.Builder
	_ = Encode(&sb, cfg)
	return sb.String()
}
