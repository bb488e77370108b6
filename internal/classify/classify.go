package classify

import (
	"errors"
	"strings"
)

// ErrProjectInfoNotFound is returned when a GitHub subject carries no
// [org/project] tag.
var ErrProjectInfoNotFound = errors.New("project info not found")

// GovAccountCodeHeader carries the GovDelivery account code.
const GovAccountCodeHeader = "X-Accountcode"

// VerifyEmailPhrase marks GitHub address verification mails.
const VerifyEmailPhrase = "Please verify your email address."

// DefaultRedactedDomains are high-volume senders whose local parts are
// replaced before being used in folder names.
var DefaultRedactedDomains = []string{
	"bounces.google.com",
	"alerts.comcast.net",
	"amazonses.com",
	"sendgrid.net",
	"mailgun.org",
	"mcsv.net",
	"mandrillapp.com",
	"sparkpostmail.com",
	"discoursemail.com",
	"googlegroups.com",
	"govdelivery.com",
}

// DefaultGovExclusions are senders to the gov-lists address that never
// carry an account code.
var DefaultGovExclusions = []string{
	"subscriberhelp@govdelivery.com",
	"noreply@granicus.com",
}

// Config holds the deployment-specific tables used by a Classifier.
type Config struct {
	DigestRecipients []string
	GovListsAddress  string
	GovExclusions    []string
	RedactedDomains  []string
	OperatorAddress  string
}

// DefaultConfig returns a Config with the built-in redaction and gov
// exclusion tables.
func DefaultConfig() Config {
	return Config{
		GovExclusions:   append([]string(nil), DefaultGovExclusions...),
		RedactedDomains: append([]string(nil), DefaultRedactedDomains...),
	}
}

func (c *Config) isGovLists(to string) bool {
	return c.GovListsAddress != "" && normalize(to) == normalize(c.GovListsAddress)
}

func (c *Config) isGovExcluded(from string) bool {
	from = normalize(from)
	for _, ex := range c.GovExclusions {
		if from == normalize(ex) {
			return true
		}
	}
	return false
}

// Classification is the result of classifying one message.
type Classification struct {
	Category    Category
	Label       string
	DisplayFrom string
	Folder      string

	Org        string
	Project    string
	ProjectErr error

	GovDelivery    bool
	GovAccountCode string
	ManualReview   bool

	Forward bool
}

// HeaderGetter looks up header values case-insensitively.
type HeaderGetter interface {
	Get(key string) string
}

// Classifier evaluates the routing and label tables against a Config.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	cfg Config
}

// New creates a Classifier.
func New(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Config returns the classifier's configuration.
func (c *Classifier) Config() Config {
	return c.cfg
}

// Category returns the routing category for in.
func (c *Classifier) Category(in Input) Category {
	for _, r := range routingRules {
		if r.Match(&c.cfg, in) {
			return r.Category
		}
	}
	return CategoryDefault
}

// Label returns the telemetry label for in.
func (c *Classifier) Label(in Input) string {
	for _, r := range labelRules {
		if r.Match(&c.cfg, in) {
			return r.Label
		}
	}
	return LabelOther
}

// DisplayFrom returns addr, or REDACTED@domain when the domain belongs to a
// known bulk sender.
func (c *Classifier) DisplayFrom(addr string) string {
	domain := domainOf(addr)
	if domain == "" {
		return addr
	}
	for _, d := range c.cfg.RedactedDomains {
		if hasDomain(addr, d) {
			return "REDACTED@" + domain
		}
	}
	return addr
}

// Classify applies every table to a message. Header is consulted only for the
// gov-lists account code.
func (c *Classifier) Classify(in Input, subject string, header HeaderGetter) Classification {
	from := in.HeaderFrom
	if from == "" {
		from = in.EnvelopeFrom
	}

	cl := Classification{
		Category:    c.Category(in),
		Label:       c.Label(in),
		DisplayFrom: from,
	}

	switch cl.Category {
	case CategoryGithubNotification:
		cl.Org, cl.Project, cl.ProjectErr = ParseProject(subject)
		if cl.ProjectErr == nil {
			cl.Folder = "github/" + from + "/" + cl.Org + "/" + cl.Project
		} else {
			cl.Folder = "github/" + from
		}
	case CategoryDisqusNotification:
		cl.Folder = "disqus/" + in.EnvelopeTo
	case CategoryBulkDigest:
		cl.Folder = "digest/" + in.EnvelopeTo
	default:
		cl.DisplayFrom = c.DisplayFrom(from)
		cl.Folder = in.EnvelopeTo + "/" + cl.DisplayFrom
	}

	if c.cfg.isGovLists(in.EnvelopeTo) && !c.cfg.isGovExcluded(from) {
		cl.GovDelivery = true
		if header != nil {
			cl.GovAccountCode = strings.TrimSpace(header.Get(GovAccountCodeHeader))
		}
		cl.ManualReview = cl.GovAccountCode == ""
	}

	cl.Forward = c.cfg.OperatorAddress != "" && ShouldForward(in.EnvelopeFrom, subject)

	return cl
}

// ParseProject extracts org and project from a subject containing
// "[org/project]". The tag ends at the first ']' that follows a '[' and
// starts at the nearest '[' before it, so "[[org/project] ...]" still parses.
func ParseProject(subject string) (org, project string, err error) {
	first := strings.Index(subject, "[")
	if first < 0 {
		return "", "", ErrProjectInfoNotFound
	}
	end := strings.Index(subject[first:], "]")
	if end < 0 {
		return "", "", ErrProjectInfoNotFound
	}
	end += first
	start := strings.LastIndex(subject[:end], "[")
	tag := subject[start+1 : end]

	org, project, ok := strings.Cut(tag, "/")
	if !ok || org == "" || project == "" {
		return "", "", ErrProjectInfoNotFound
	}
	return org, project, nil
}

// ShouldForward reports whether a message is a GitHub address verification
// that must reach the operator directly.
func ShouldForward(envelopeFrom, subject string) bool {
	return strings.Contains(strings.ToLower(envelopeFrom), "github.com") &&
		strings.Contains(subject, VerifyEmailPhrase)
}
