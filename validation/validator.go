// Package validation provides input and catalog validation for the panelyt API.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/panelyt/panelyt-api/biomarkers"
	"github.com/panelyt/panelyt-api/interfaces"
	"github.com/panelyt/panelyt-api/logging"
)

// Input size limits. Biomarker searches are short Polish terms; code lists
// are bounded well below the resolver's batching threshold.
const (
	minSearchLength   = 2
	maxSearchLength   = 50
	maxSearchWords    = 6
	maxCodeLength     = 32
	maxSelectionCodes = 100
	maxContextLength  = 16
)

// Pre-compiled regex patterns, compiled once at package initialization and
// reused for all validations
var (
	// Search input: alphanumeric + Polish accents + safe punctuation
	searchRegex = regexp.MustCompile(`^[a-zA-Z0-9\s\-\.\+'ąćęłńóśźżĄĆĘŁŃÓŚŹŻ]+$`)

	// Biomarker codes are validated in canonical (trimmed, uppercased)
	// form: letters, digits, then separators the upstream uses.
	codeRegex = regexp.MustCompile(`^[\p{Lu}\p{N}][\p{Lu}\p{N} _\-.%]*$`)

	localeRegex = regexp.MustCompile(`^[a-z]{2}$`)

	contextRegex = regexp.MustCompile(`^[0-9]+$`)

	// Dangerous patterns as strings (strings.Contains is 5-10x faster than
	// regex for simple substring matching)
	dangerousPatterns = []string{
		"<script", "</script>", "javascript:", "vbscript:", "onload=", "onerror=",
		"onclick=", "onmouseover=", "onfocus=", "onblur=", "onchange=", "onsubmit=",
		"eval(", "expression(", "url(", "import ", "@import", "binding(", "behavior(",
		// SQL injection patterns
		"' or ", "\" or ", "union select", "drop table", "delete from", "insert into",
		"update set", "--", "/*", "*/", "xp_", "sp_", "exec(", "execute(",
		// Command injection patterns
		"; ", "| ", "& ", "`", "$(", "${",
		// Path traversal patterns
		"../", "..\\", "%2e%2e", "file://",
		// LDAP injection patterns
		"*)(", "*|(", "*)%",
		// NoSQL injection patterns
		"{$ne:", "{$gt:", "{$where:", "{$or:", "{$regex:", "{$expr:",
	}
)

// ValidatorImpl implements the interfaces.Validator interface
type ValidatorImpl struct{}

// NewValidator creates a new input validator
func NewValidator() interfaces.Validator {
	return &ValidatorImpl{}
}

// ValidateSearchTerm validates catalog search input with enhanced security
func (v *ValidatorImpl) ValidateSearchTerm(input string) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("input cannot be empty")
	}

	if len(input) < minSearchLength {
		return fmt.Errorf("input too short: minimum %d characters", minSearchLength)
	}

	if len(input) > maxSearchLength {
		return fmt.Errorf("input too long: maximum %d characters", maxSearchLength)
	}

	// Word count validation to prevent DoS attacks with many short words
	words := strings.Fields(input)
	if len(words) > maxSearchWords {
		return fmt.Errorf("search query too complex: maximum %d words allowed", maxSearchWords)
	}

	if err := v.checkDangerousPatterns(input); err != nil {
		return err
	}

	// Allow only letters, numbers, spaces, and safe punctuation, including
	// the Polish accented characters catalog names carry
	if !searchRegex.MatchString(input) {
		return fmt.Errorf("input contains invalid characters. Only letters, numbers, spaces, hyphens, apostrophes, periods, plus sign, and Polish accented characters are allowed")
	}

	// Additional checks for repeated characters (potential DoS)
	if hasExcessiveRepetition(input) {
		return fmt.Errorf("input contains excessive character repetition")
	}

	return nil
}

// ValidateBiomarkerCode validates one biomarker code in canonical form
func (v *ValidatorImpl) ValidateBiomarkerCode(code string) error {
	canonical := biomarkers.Normalize(code)
	if canonical == "" {
		return fmt.Errorf("biomarker code cannot be empty")
	}

	if len(canonical) > maxCodeLength {
		return fmt.Errorf("biomarker code too long: maximum %d characters", maxCodeLength)
	}

	if err := v.checkDangerousPatterns(canonical); err != nil {
		return err
	}

	if !codeRegex.MatchString(canonical) {
		return fmt.Errorf("biomarker code contains invalid characters")
	}

	return nil
}

// ValidateCodes validates a full code list including its size cap
func (v *ValidatorImpl) ValidateCodes(codes []string) error {
	if len(codes) == 0 {
		return fmt.Errorf("code list cannot be empty")
	}

	if len(codes) > maxSelectionCodes {
		return fmt.Errorf("too many codes: maximum %d allowed", maxSelectionCodes)
	}

	for _, code := range codes {
		if err := v.ValidateBiomarkerCode(code); err != nil {
			return fmt.Errorf("code %q: %w", code, err)
		}
	}

	return nil
}

// ValidateSelectionSize validates a selection size against the same cap
// ValidateCodes enforces, for callers growing a selection one code at a time
func (v *ValidatorImpl) ValidateSelectionSize(count int) error {
	if count > maxSelectionCodes {
		return fmt.Errorf("too many codes: maximum %d allowed", maxSelectionCodes)
	}
	return nil
}

// ValidateLocale validates a share-URL locale marker
func (v *ValidatorImpl) ValidateLocale(locale string) error {
	if locale == "" {
		return nil
	}
	if !localeRegex.MatchString(locale) {
		return fmt.Errorf("locale must be exactly two lowercase letters")
	}
	return nil
}

// ValidatePricingContext validates a pricing context id. Empty means the
// configured default and is always accepted.
func (v *ValidatorImpl) ValidatePricingContext(pricingContext string) error {
	if pricingContext == "" {
		return nil
	}
	if len(pricingContext) > maxContextLength {
		return fmt.Errorf("pricing context too long: maximum %d characters", maxContextLength)
	}
	if !contextRegex.MatchString(pricingContext) {
		return fmt.Errorf("pricing context must contain only digits")
	}
	return nil
}

// ValidateCatalogIntegrity performs comprehensive catalog validation
func (v *ValidatorImpl) ValidateCatalogIntegrity(entries []biomarkers.CatalogEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("no catalog entries found")
	}

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if seen[entry.Code] {
			return fmt.Errorf("duplicate catalog code found: %s", entry.Code)
		}
		seen[entry.Code] = true

		if err := v.ValidateBiomarkerCode(entry.Code); err != nil {
			return fmt.Errorf("invalid catalog code %q: %w", entry.Code, err)
		}

		if strings.TrimSpace(entry.Name) == "" {
			return fmt.Errorf("empty name for catalog code %s", entry.Code)
		}
		if len(entry.Name) > 200 {
			return fmt.Errorf("name too long for catalog code %s: %d characters", entry.Code, len(entry.Name))
		}

		if strings.TrimSpace(entry.Slug) == "" {
			return fmt.Errorf("empty slug for catalog code %s", entry.Code)
		}
		if len(entry.Slug) > 100 {
			return fmt.Errorf("slug too long for catalog code %s: %d characters", entry.Code, len(entry.Slug))
		}

		if entry.PriceGrosz != nil && *entry.PriceGrosz < 0 {
			return fmt.Errorf("negative price for catalog code %s", entry.Code)
		}
	}

	return nil
}

// ReportCatalogQuality generates a quality report over a parsed catalog
func (v *ValidatorImpl) ReportCatalogQuality(entries []biomarkers.CatalogEntry) *interfaces.CatalogQualityReport {
	report := &interfaces.CatalogQualityReport{
		DuplicateCodes: []string{},
	}

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if seen[entry.Code] {
			report.DuplicateCodes = append(report.DuplicateCodes, entry.Code)
		}
		seen[entry.Code] = true

		if strings.TrimSpace(entry.Name) == "" {
			report.MissingNames++
		}
		if strings.TrimSpace(entry.Slug) == "" {
			report.MissingSlugs++
		}
		if entry.PriceGrosz == nil {
			report.UnpricedEntries++
		}
		if strings.TrimSpace(entry.Category) == "" {
			report.EmptyCategories++
		}
	}

	if len(report.DuplicateCodes) > 0 {
		logging.Error("Duplicate catalog codes detected",
			"count", len(report.DuplicateCodes),
			"duplicates", report.DuplicateCodes,
		)
	}

	return report
}

// checkDangerousPatterns rejects input carrying injection-style payloads.
// String matching over the lowercased input, no regex overhead.
func (v *ValidatorImpl) checkDangerousPatterns(input string) error {
	lowerInput := strings.ToLower(input)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(lowerInput, pattern) {
			return fmt.Errorf("input contains potentially dangerous content")
		}
	}
	return nil
}

// hasExcessiveRepetition checks for potential DoS patterns with excessive
// character repetition: the same byte more than 10 times in a row.
func hasExcessiveRepetition(input string) bool {
	for i := 0; i < len(input)-10; i++ {
		allSame := true
		for j := 1; j <= 10; j++ {
			if input[i] != input[i+j] {
				allSame = false
				break
			}
		}
		if allSame {
			return true
		}
	}
	return false
}
