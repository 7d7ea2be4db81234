package fingerprint

import (
	"strings"

	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

type category int

const (
	categoryNone category = iota
	categoryFramework
	categoryCMS
	categoryServer
	categoryLanguage
)

// Lower-cased technology name to profile category. Names not listed stay in
// All only.
var categories = map[string]category{
	"laravel":     categoryFramework,
	"django":      categoryFramework,
	"spring boot": categoryFramework,
	"flask":       categoryFramework,
	"express":     categoryFramework,
	"react":       categoryFramework,
	"vue.js":      categoryFramework,
	"angular":     categoryFramework,

	"wordpress": categoryCMS,
	"joomla":    categoryCMS,
	"drupal":    categoryCMS,
	"magento":   categoryCMS,

	"nginx":      categoryServer,
	"apache":     categoryServer,
	"cloudflare": categoryServer,
	"iis":        categoryServer,

	"php":        categoryLanguage,
	"python":     categoryLanguage,
	"java":       categoryLanguage,
	"go":         categoryLanguage,
	"ruby":       categoryLanguage,
	"javascript": categoryLanguage,
}

// Categorize builds a profile from raw detections. Names are trimmed,
// version suffixes ("Nginx:1.25") are dropped, and duplicates are removed
// case-insensitively keeping the first spelling seen.
func Categorize(detected []string) types.TechnologyProfile {
	var p types.TechnologyProfile
	seen := make(map[string]bool)

	for _, raw := range detected {
		name := normalizeName(raw)
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true
		p.All = append(p.All, name)

		switch categories[key] {
		case categoryFramework:
			p.Frameworks = append(p.Frameworks, name)
		case categoryCMS:
			p.CMS = append(p.CMS, name)
		case categoryServer:
			p.Servers = append(p.Servers, name)
		case categoryLanguage:
			p.Languages = append(p.Languages, name)
		}
	}
	return p
}

func normalizeName(raw string) string {
	name := strings.TrimSpace(raw)
	if i := strings.Index(name, ":"); i > 0 {
		name = strings.TrimSpace(name[:i])
	}
	return name
}
