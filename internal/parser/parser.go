// Package parser is C2: tolerant RFC 5424 + Palo-Alto-CSV field
// extraction with a deny-only filter (spec.md §4.2). Grounded on
// gravwell's SimpleRelay rfc5424Handlers.go (structured-data scanning
// idiom) and other_examples' paloalto_csv_parser_test.go.go (CSV field
// shape), but the extraction logic itself is hand-rolled from spec.md's
// own field-index table since no example implements this exact layering.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/bus"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/model"
)

// Palo Alto CSV field indices, 1-based per spec.md §4.2 (converted to
// 0-based slice offsets below); version-specific, no negotiation.
const (
	csvMinFields  = 31
	csvSrcIdx     = 6  // field 7
	csvDstIdx     = 7  // field 8
	csvActionIdx  = 29 // field 30
	csvThreatIdx  = 32 // field 33
)

var (
	sdBlockRe   = regexp.MustCompile(`\[[a-zA-Z0-9@._-]+(?:\s+[a-zA-Z0-9_]+="?[^\]"]*"?)*\]`)
	sdKVRe      = regexp.MustCompile(`([a-zA-Z0-9_]+)=("(?:[^"\\]|\\.)*"|\S+)`)
	freeKVRe    = regexp.MustCompile(`\b(src|dst|action|threat_type)=("(?:[^"\\]|\\.)*"|\S+)`)
	ipv4StrictRe = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})$`)
)

var threatTypeMatches = []struct {
	typ      model.ThreatType
	keywords []string
}{
	{model.ThreatMalware, []string{"malware", "virus", "trojan", "spyware", "url"}},
	{model.ThreatIntrusion, []string{"intrusion", "exploit", "vulnerability", "brute"}},
	{model.ThreatDDoS, []string{"ddos", "dos", "flood"}},
}

// Parser extracts ParsedEvents from raw syslog text and publishes the
// result (or a ParseError) on the bus. It never panics or returns an
// exception to the caller (spec.md §4.2 failure semantics).
type Parser struct {
	bus *bus.Bus

	csvNoAction uint64 // counter of CSV-shaped messages yielding no action (spec.md §9 open question)
}

func New(b *bus.Bus) *Parser {
	return &Parser{bus: b}
}

// CSVNoActionCount returns the running count of CSV-shaped messages that
// yielded no recognized action, for periodic metrics logging.
func (p *Parser) CSVNoActionCount() uint64 {
	return atomic.LoadUint64(&p.csvNoAction)
}

// Parse runs the full pipeline for one raw message: preprocess, extract,
// filter, normalize, and publish. It publishes parsed or parse-error on
// the bus, or nothing for allow-class traffic and for input that is
// empty after preprocessing, and never returns an error to the caller.
func (p *Parser) Parse(raw string) {
	defer func() {
		if r := recover(); r != nil {
			pe := model.NewParseError(fmt.Sprintf("panic during parse: %v", r), raw)
			p.bus.Publish(bus.TopicParseError, pe)
		}
	}()

	cleaned := preprocess(raw)
	if cleaned == "" {
		return
	}

	fields := extractFields(cleaned, p)
	if fields == nil {
		pe := model.NewParseError("no recognizable fields", raw)
		p.bus.Publish(bus.TopicParseError, pe)
		return
	}

	action := strings.ToLower(strings.TrimSpace(fields.action))
	if !model.IsDenyClass(action) {
		// ALLOW (or any non-deny-class action, including absent) is
		// noise: no ParsedEvent, no ParseError (spec.md §4.2).
		return
	}

	ev := model.ParsedEvent{
		Timestamp:  time.Now(),
		SourceIP:   validIPv4(fields.src),
		DestIP:     validIPv4(fields.dst),
		ThreatType: normalizeThreatType(fields.threatType),
		Action:     model.Action(action),
		Raw:        raw,
	}
	p.bus.Publish(bus.TopicParsed, ev)
}

type extracted struct {
	src, dst, action, threatType string
}

// preprocess undoes the common syslog-relay escape: every "#012" and
// every literal newline becomes a single space, then the result is
// trimmed (spec.md §4.2).
func preprocess(raw string) string {
	s := strings.ReplaceAll(raw, "#012", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.TrimSpace(s)
}

// extractFields runs the three layered extraction strategies, first
// success per field wins, in the priority order listed in spec.md §4.2.
func extractFields(msg string, p *Parser) *extracted {
	var out extracted
	found := false

	if sd := sdBlockRe.FindString(msg); sd != "" {
		for _, m := range sdKVRe.FindAllStringSubmatch(sd, -1) {
			found = assignField(&out, m[1], unquote(m[2])) || found
		}
	}

	// Free-form key=value anywhere in the message fills in whatever the
	// structured-data block didn't provide.
	for _, m := range freeKVRe.FindAllStringSubmatch(msg, -1) {
		key := strings.ToLower(m[1])
		val := unquote(m[2])
		switch key {
		case "src":
			if out.src == "" {
				out.src = val
				found = true
			}
		case "dst":
			if out.dst == "" {
				out.dst = val
				found = true
			}
		case "action":
			if out.action == "" {
				out.action = val
				found = true
			}
		case "threat_type":
			if out.threatType == "" {
				out.threatType = val
				found = true
			}
		}
	}

	if strings.HasPrefix(msg, "1,") {
		if csvFound := extractCSV(msg, &out, p); csvFound {
			found = true
		}
	}

	if !found {
		return nil
	}
	return &out
}

func assignField(out *extracted, key, val string) bool {
	switch strings.ToLower(key) {
	case "src":
		if out.src == "" {
			out.src = val
			return true
		}
	case "dst":
		if out.dst == "" {
			out.dst = val
			return true
		}
	case "action":
		if out.action == "" {
			out.action = val
			return true
		}
	case "threat_type":
		if out.threatType == "" {
			out.threatType = val
			return true
		}
	}
	return false
}

// extractCSV fills whichever of out's fields are still empty from the
// Palo Alto CSV positional layout, only when the message begins with
// "1," and has at least csvMinFields comma-delimited fields (spec.md
// §4.2 strategy 3). The threat field is read only when the message has
// that many fields. It never panics on a short field list.
func extractCSV(msg string, out *extracted, p *Parser) bool {
	fields := strings.Split(msg, ",")
	if len(fields) < csvMinFields {
		return false
	}
	filled := false
	if out.src == "" {
		out.src = strings.TrimSpace(fields[csvSrcIdx])
		filled = true
	}
	if out.dst == "" {
		out.dst = strings.TrimSpace(fields[csvDstIdx])
		filled = true
	}
	csvAction := strings.TrimSpace(fields[csvActionIdx])
	if out.action == "" {
		out.action = csvAction
		filled = true
	}
	if out.threatType == "" && len(fields) > csvThreatIdx {
		out.threatType = strings.TrimSpace(fields[csvThreatIdx])
		filled = true
	}
	if csvAction == "" {
		atomic.AddUint64(&p.csvNoAction, 1)
	}
	return filled
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
		s = strings.ReplaceAll(s, `\"`, `"`)
	}
	return s
}

// validIPv4 returns a pointer to s if it's a strict IPv4 dotted-decimal
// address (each octet 0-255), or nil otherwise (spec.md §4.2).
func validIPv4(s string) *string {
	s = strings.TrimSpace(s)
	m := ipv4StrictRe.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	for _, octet := range m[1:] {
		n, err := strconv.Atoi(octet)
		if err != nil || n < 0 || n > 255 {
			return nil
		}
		// reject leading-zero octets like "00" as non-canonical? spec
		// only requires 0-255 per octet; canonical form is not required.
	}
	return &s
}

// normalizeThreatType does first-hit-wins, case-insensitive substring
// matching per the table in spec.md §4.2.
func normalizeThreatType(raw string) model.ThreatType {
	lower := strings.ToLower(raw)
	for _, m := range threatTypeMatches {
		for _, kw := range m.keywords {
			if strings.Contains(lower, kw) {
				return m.typ
			}
		}
	}
	return model.ThreatUnknown
}
