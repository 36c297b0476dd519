// Package token defines the wire payload carried by every token datagram:
// an XML document with exactly a header, a service, zero or more join
// attributes, and monitor data, per the external interface contract.
package token

import (
	"encoding/xml"
	"fmt"
	"time"
)

// Payload is the full XML document carried in a token ingress datagram.
type Payload struct {
	XMLName     xml.Name       `xml:"payload"`
	Header      Header         `xml:"header"`
	Service     Service        `xml:"service"`
	JoinAttrs   []JoinAttribute `xml:"joinAttribute"`
	MonitorData []MonitorPoint `xml:"monitorData>point"`
}

// Header carries token identity and the rule base version it was produced
// under.
type Header struct {
	SequenceID      uint64 `xml:"sequenceId"`
	WorkflowVersion uint64 `xml:"workflowVersion"`
	WorkflowBase    uint64 `xml:"workflowBase"`
	RuleBaseVersion uint64 `xml:"ruleBaseVersion"`
	CreatedAtMillis int64  `xml:"createdAt"`
	SentAtMillis    int64  `xml:"sentAt"`
}

// Service names the current place in the workflow: the service and
// operation this token is destined for.
type Service struct {
	ServiceName string `xml:"serviceName"`
	Operation   string `xml:"operation"`
}

// JoinAttribute is a named attribute binding, with an optional epoch-millis
// deadline. A zero NotAfterMillis means no deadline.
type JoinAttribute struct {
	Name          string `xml:"name,attr"`
	Value         string `xml:",chardata"`
	NotAfterMillis int64  `xml:"notAfter,attr,omitempty"`
}

// MonitorPoint is one instrumentation timestamp appended as the token moves
// through the workflow.
type MonitorPoint struct {
	Place       string `xml:"place,attr"`
	TimestampMs int64  `xml:"timestamp,attr"`
}

// Attributes collapses the JoinAttrs slice into a plain map for rule-engine
// and service-invocation consumption.
func (p *Payload) Attributes() map[string]string {
	out := make(map[string]string, len(p.JoinAttrs))
	for _, a := range p.JoinAttrs {
		out[a.Name] = a.Value
	}
	return out
}

// Deadline returns the earliest non-zero notAfter across all join
// attributes, and whether one was present at all.
func (p *Payload) Deadline() (time.Time, bool) {
	var min int64
	found := false
	for _, a := range p.JoinAttrs {
		if a.NotAfterMillis == 0 {
			continue
		}
		if !found || a.NotAfterMillis < min {
			min = a.NotAfterMillis
			found = true
		}
	}
	if !found {
		return time.Time{}, false
	}
	return time.UnixMilli(min), true
}

// Marshal encodes the payload as the wire XML document.
func Marshal(p *Payload) ([]byte, error) {
	b, err := xml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a wire XML document into a Payload.
func Unmarshal(data []byte) (*Payload, error) {
	var p Payload
	if err := xml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &p, nil
}

// WithAttributes replaces the join attributes of the payload, used by the
// publisher when it rewrites a token's produced attributes for its next
// hop.
func (p *Payload) WithAttributes(attrs map[string]string, deadline time.Time, hasDeadline bool) {
	p.JoinAttrs = make([]JoinAttribute, 0, len(attrs))
	for name, value := range attrs {
		ja := JoinAttribute{Name: name, Value: value}
		if hasDeadline {
			ja.NotAfterMillis = deadline.UnixMilli()
		}
		p.JoinAttrs = append(p.JoinAttrs, ja)
	}
}

// AppendMonitorPoint records the token passing through a place, matching
// the monitorData append-only requirement.
func (p *Payload) AppendMonitorPoint(place string, at time.Time) {
	p.MonitorData = append(p.MonitorData, MonitorPoint{Place: place, TimestampMs: at.UnixMilli()})
}
