// Package dedup collapses repeated launch requests that arrive within a short
// window, typically caused by double clicks in a client. It is not an
// idempotency key system: only byte-identical canonical requests match.
package dedup

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"math/big"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
	"github.com/zeebo/blake3"

	"github.com/CZERTAINLY/Bosun/internal/model"
)

const (
	DefaultWindow    = 2 * time.Second
	DefaultRetention = 5 * time.Second
)

// Fingerprint returns a stable digest of the whole request. The request is
// encoded as RFC 8785 canonical JSON first, so key order inside the
// invocation never matters. RFC 8785 turns numbers into doubles, integers
// which do not survive that are hashed once more as written.
func Fingerprint(req model.LaunchRequest) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding launch request: %w", err)
	}
	canonical, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing launch request: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("decoding launch request: %w", err)
	}

	h := blake3.New()
	_, _ = h.Write(canonical)
	for _, lit := range inexactIntegers("", doc, nil) {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(lit))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// inexactIntegers appends "<pointer>=<literal>" for every integer in v which
// has no exact float64 representation. Object keys are visited sorted.
func inexactIntegers(path string, v any, out []string) []string {
	switch v := v.(type) {
	case map[string]any:
		for _, k := range slices.Sorted(maps.Keys(v)) {
			out = inexactIntegers(path+"/"+strconv.Quote(k), v[k], out)
		}
	case []any:
		for i, x := range v {
			out = inexactIntegers(path+"/"+strconv.Itoa(i), x, out)
		}
	case json.Number:
		n, ok := new(big.Int).SetString(v.String(), 10)
		if !ok {
			return out
		}
		if _, acc := new(big.Float).SetInt(n).Float64(); acc != big.Exact {
			out = append(out, path+"="+n.String())
		}
	}
	return out
}

type admission struct {
	id string
	at time.Time
}

// Guard remembers recently admitted fingerprints. Entries younger than
// window are returned as duplicates, entries older than retention are
// forgotten on lookup or by Sweep.
type Guard struct {
	mx        sync.Mutex
	window    time.Duration
	retention time.Duration
	now       func() time.Time
	seen      map[string]admission
}

func New(window, retention time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	if retention < window {
		retention = window
	}
	return &Guard{
		window:    window,
		retention: retention,
		now:       time.Now,
		seen:      make(map[string]admission),
	}
}

// WithClock replaces the time source, tests only.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.mx.Lock()
	defer g.mx.Unlock()
	g.now = now
	return g
}

// Admit returns the id recorded for key if it was admitted less than window
// ago. Otherwise it calls create, records the returned id and returns it.
// The lock is held over create, so two concurrent identical requests never
// both reach it. A failed create records nothing.
func (g *Guard) Admit(key string, create func() (string, error)) (id string, duplicate bool, err error) {
	g.mx.Lock()
	defer g.mx.Unlock()

	now := g.now()
	if prev, ok := g.seen[key]; ok {
		age := now.Sub(prev.at)
		if age < g.window {
			return prev.id, true, nil
		}
		if age >= g.retention {
			delete(g.seen, key)
		}
	}

	id, err = create()
	if err != nil {
		return "", false, err
	}
	g.seen[key] = admission{id: id, at: now}
	return id, false, nil
}

// Sweep drops expired entries and returns how many were removed.
func (g *Guard) Sweep() int {
	g.mx.Lock()
	defer g.mx.Unlock()
	now := g.now()
	var n int
	for key, a := range g.seen {
		if now.Sub(a.at) >= g.retention {
			delete(g.seen, key)
			n++
		}
	}
	return n
}

func (g *Guard) Len() int {
	g.mx.Lock()
	defer g.mx.Unlock()
	return len(g.seen)
}

func (g *Guard) Retention() time.Duration {
	return g.retention
}
