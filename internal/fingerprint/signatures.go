package fingerprint

import "regexp"

// Where a pattern is evaluated.
const (
	sourceHeader = "header"
	sourceBody   = "body"
	sourceCookie = "cookie"
	sourceMeta   = "meta"
	sourceScript = "script"
)

// Signature identifies one technology by any of its patterns.
type Signature struct {
	Name     string
	Patterns []Pattern
	// Implies lists technologies reported alongside this one.
	Implies []string
}

type Pattern struct {
	Source   string
	Expr     string
	compiled *regexp.Regexp
}

// Names follow the spelling rule tables key on; lookups are
// case-insensitive.
var builtinSignatures = []Signature{
	{
		Name: "Nginx",
		Patterns: []Pattern{
			{Source: sourceHeader, Expr: `(?i)^Server: .*nginx`},
		},
	},
	{
		Name: "Apache",
		Patterns: []Pattern{
			{Source: sourceHeader, Expr: `(?i)^Server: .*Apache`},
		},
	},
	{
		Name: "IIS",
		Patterns: []Pattern{
			{Source: sourceHeader, Expr: `(?i)^Server: .*Microsoft-IIS`},
			{Source: sourceHeader, Expr: `(?i)^X-Powered-By: .*ASP\.NET`},
		},
	},
	{
		Name: "Cloudflare",
		Patterns: []Pattern{
			{Source: sourceHeader, Expr: `(?i)^Server: .*cloudflare`},
			{Source: sourceHeader, Expr: `(?i)^Cf-Ray: `},
		},
	},
	{
		Name: "PHP",
		Patterns: []Pattern{
			{Source: sourceHeader, Expr: `(?i)^X-Powered-By: .*PHP`},
			{Source: sourceCookie, Expr: `PHPSESSID`},
		},
	},
	{
		Name: "Python",
		Patterns: []Pattern{
			{Source: sourceHeader, Expr: `(?i)^Server: .*(?:Python|gunicorn|uvicorn)`},
		},
	},
	{
		Name: "Ruby",
		Patterns: []Pattern{
			{Source: sourceHeader, Expr: `(?i)^X-Powered-By: .*Ruby`},
			{Source: sourceHeader, Expr: `(?i)^Server: .*Phusion Passenger`},
		},
	},
	{
		Name: "Java",
		Patterns: []Pattern{
			{Source: sourceCookie, Expr: `JSESSIONID`},
			{Source: sourceHeader, Expr: `(?i)^X-Powered-By: .*Servlet`},
		},
	},
	{
		Name: "Django",
		Patterns: []Pattern{
			{Source: sourceCookie, Expr: `csrftoken`},
			{Source: sourceBody, Expr: `csrfmiddlewaretoken`},
		},
		Implies: []string{"Python"},
	},
	{
		Name: "Flask",
		Patterns: []Pattern{
			{Source: sourceHeader, Expr: `(?i)^Server: .*Werkzeug`},
		},
		Implies: []string{"Python"},
	},
	{
		Name: "Laravel",
		Patterns: []Pattern{
			{Source: sourceCookie, Expr: `laravel_session`},
			{Source: sourceCookie, Expr: `XSRF-TOKEN`},
		},
		Implies: []string{"PHP"},
	},
	{
		Name: "Express",
		Patterns: []Pattern{
			{Source: sourceHeader, Expr: `(?i)^X-Powered-By: .*Express`},
		},
		Implies: []string{"JavaScript"},
	},
	{
		Name: "Spring Boot",
		Patterns: []Pattern{
			{Source: sourceHeader, Expr: `(?i)^X-Application-Context: `},
			{Source: sourceBody, Expr: `Whitelabel Error Page`},
		},
		Implies: []string{"Java"},
	},
	{
		Name: "WordPress",
		Patterns: []Pattern{
			{Source: sourceBody, Expr: `/wp-content/`},
			{Source: sourceBody, Expr: `/wp-includes/`},
			{Source: sourceMeta, Expr: `(?i)WordPress`},
		},
		Implies: []string{"PHP"},
	},
	{
		Name: "Drupal",
		Patterns: []Pattern{
			{Source: sourceHeader, Expr: `(?i)^X-Generator: .*Drupal`},
			{Source: sourceMeta, Expr: `(?i)Drupal`},
			{Source: sourceBody, Expr: `Drupal\.settings`},
		},
		Implies: []string{"PHP"},
	},
	{
		Name: "Joomla",
		Patterns: []Pattern{
			{Source: sourceMeta, Expr: `(?i)Joomla`},
			{Source: sourceBody, Expr: `/media/jui/`},
		},
		Implies: []string{"PHP"},
	},
	{
		Name: "Magento",
		Patterns: []Pattern{
			{Source: sourceCookie, Expr: `frontend=`},
			{Source: sourceScript, Expr: `(?i)/static/version\d+/frontend/`},
			{Source: sourceBody, Expr: `Mage\.Cookies`},
		},
		Implies: []string{"PHP"},
	},
	{
		Name: "React",
		Patterns: []Pattern{
			{Source: sourceBody, Expr: `data-reactroot`},
			{Source: sourceScript, Expr: `(?i)react(?:-dom)?(?:\.production)?(?:\.min)?\.js`},
		},
		Implies: []string{"JavaScript"},
	},
	{
		Name: "Vue.js",
		Patterns: []Pattern{
			{Source: sourceBody, Expr: `data-v-[0-9a-f]{8}`},
			{Source: sourceScript, Expr: `(?i)vue(?:\.runtime)?(?:\.min)?\.js`},
		},
		Implies: []string{"JavaScript"},
	},
	{
		Name: "Angular",
		Patterns: []Pattern{
			{Source: sourceBody, Expr: `ng-version="`},
			{Source: sourceScript, Expr: `(?i)angular(?:\.min)?\.js`},
		},
		Implies: []string{"JavaScript"},
	},
	{
		Name: "jQuery",
		Patterns: []Pattern{
			{Source: sourceScript, Expr: `(?i)jquery(?:-[\d.]+)?(?:\.min)?\.js`},
		},
		Implies: []string{"JavaScript"},
	},
}

func compileSignatures(sigs []Signature) []Signature {
	out := make([]Signature, 0, len(sigs))
	for _, sig := range sigs {
		compiled := Signature{Name: sig.Name, Implies: sig.Implies}
		for _, p := range sig.Patterns {
			re, err := regexp.Compile(p.Expr)
			if err != nil {
				continue
			}
			compiled.Patterns = append(compiled.Patterns, Pattern{Source: p.Source, Expr: p.Expr, compiled: re})
		}
		out = append(out, compiled)
	}
	return out
}
