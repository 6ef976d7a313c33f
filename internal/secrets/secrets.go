package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

var (
	ErrInvalidTOML  = errors.New("invalid allowlist TOML")
	ErrInvalidRegex = errors.New("invalid allowlist regex")
)

// Leak is one secret found by the scanner. The secret itself is never kept.
type Leak struct {
	RuleID      string
	Description string
	Line        int
}

// Allowlist contains content patterns to exclude from detection.
type Allowlist struct {
	Regexes []string
}

// Scanner wraps a Gitleaks detector. Building the detector compiles the
// full rule set, so a Scanner should be created once and reused.
type Scanner struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewScanner builds a scanner with the default Gitleaks config plus
// allowlist (may be nil).
func NewScanner(allowlist *Allowlist) (*Scanner, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("create gitleaks detector: %w", err)
	}
	if allowlist != nil && len(allowlist.Regexes) > 0 {
		if err := applyAllowlist(&detector.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return &Scanner{detector: detector}, nil
}

// Scan returns the secrets found in content.
func (s *Scanner) Scan(content string) []Leak {
	s.mu.Lock()
	found := s.detector.DetectString(content)
	s.mu.Unlock()

	result := make([]Leak, 0, len(found))
	for _, f := range found {
		result = append(result, Leak{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine + 1,
		})
	}
	return result
}

// Redact replaces every secret in content with a marker naming the rule
// that matched, and reports how many secrets were replaced. Tool output
// passes through Redact before it leaves the process.
func (s *Scanner) Redact(content string) (string, int) {
	s.mu.Lock()
	found := s.detector.DetectString(content)
	s.mu.Unlock()
	if len(found) == 0 {
		return content, 0
	}

	// Longest first so a secret that contains another is replaced whole.
	sort.SliceStable(found, func(i, j int) bool {
		return len(found[i].Secret) > len(found[j].Secret)
	})
	n := 0
	for _, f := range found {
		if f.Secret == "" || !strings.Contains(content, f.Secret) {
			continue
		}
		content = strings.ReplaceAll(content, f.Secret, "[REDACTED:"+f.RuleID+"]")
		n++
	}
	return content, n
}

// LoadAllowlist reads an allowlist file:
//
//	[allowlist]
//	regexes = ['EXAMPLE_KEY_[0-9]+']
//
// A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	var file struct {
		Allowlist struct {
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: invalid content pattern '%s' in %s: %v",
				ErrInvalidRegex, pattern, path, err)
		}
	}
	return &Allowlist{Regexes: file.Allowlist.Regexes}, nil
}

func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	global := &gitleaksConfig.Allowlist{
		Description: "forge allowlist",
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}
