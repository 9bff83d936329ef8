// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

// Package snapshotfile reads and writes member snapshots as YAML documents.
// A document pairs one snapshot with the checks to resolve against it, so a
// permission question can be reproduced offline with `crystal check`.
//
//	catalog_version: "1.0.0"
//	snapshot:
//	  server_id: s1
//	  member_id: m1
//	  legacy_role: GUEST
//	  roles:
//	    - id: everyone
//	      position: 0
//	      grants:
//	        - {permission: SEND_MESSAGES, type: DENY, scope: CHANNEL, target_id: announcements}
//	checks:
//	  - permission: SEND_MESSAGES
//	    scope: CHANNEL
//	    target_id: announcements
//	    expect: {granted: false, reason: ROLE}
package snapshotfile

import (
	"os"
	"time"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/crystalchat/crystal/internal/access/policy"
	"github.com/crystalchat/crystal/internal/access/policy/types"
)

// Document is the on-disk form of a snapshot and its checks.
type Document struct {
	CatalogVersion string         `json:"catalog_version" yaml:"catalog_version" jsonschema:"required"`
	Snapshot       types.Snapshot `json:"snapshot" yaml:"snapshot" jsonschema:"required"`
	Checks         []Check        `json:"checks,omitempty" yaml:"checks,omitempty"`
}

// Check is one request to resolve, with an optional expected outcome.
type Check struct {
	Permission types.Permission `json:"permission" yaml:"permission" jsonschema:"required"`
	Scope      types.Scope      `json:"scope,omitempty" yaml:"scope,omitempty" jsonschema:"enum=SERVER,enum=CHANNEL,enum=CATEGORY"`
	TargetID   string           `json:"target_id,omitempty" yaml:"target_id,omitempty"`
	Expect     *Expectation     `json:"expect,omitempty" yaml:"expect,omitempty"`
}

// Expectation is what a check should resolve to. Unset fields are not compared.
type Expectation struct {
	Granted *bool         `json:"granted,omitempty" yaml:"granted,omitempty"`
	Reason  *types.Reason `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Result is the outcome of one check.
type Result struct {
	Check    Check
	Decision types.Decision
	// Pass is false when an expectation was set and not met.
	Pass bool
}

// New wraps snap in a document for the current catalog.
func New(snap types.Snapshot, checks ...Check) *Document {
	return &Document{CatalogVersion: types.CatalogVersion, Snapshot: snap, Checks: checks}
}

// Parse validates data against the schema and the snapshot invariants.
func Parse(data []byte) (*Document, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, oops.Code("SNAPSHOT_DOC_INVALID").Wrapf(err, "decode snapshot document")
	}
	if err := types.CheckCatalogCompatibility(doc.CatalogVersion); err != nil {
		return nil, err
	}
	if err := doc.Snapshot.Validate(); err != nil {
		return nil, err
	}
	for i, c := range doc.Checks {
		if _, err := c.Request(); err != nil {
			return nil, oops.Code("SNAPSHOT_DOC_INVALID").With("check", i).Errorf("check %d: %v", i, err)
		}
	}
	return &doc, nil
}

// Load reads and parses the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, oops.Code("SNAPSHOT_DOC_READ_FAILED").With("path", path).Wrap(err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	return doc, nil
}

// Marshal encodes doc as YAML.
func Marshal(doc *Document) ([]byte, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, oops.Code("SNAPSHOT_DOC_ENCODE_FAILED").Wrap(err)
	}
	return data, nil
}

// Request converts the check into an engine request.
func (c Check) Request() (types.Request, error) {
	return types.NewRequest(c.Permission, c.Scope, c.TargetID)
}

// Run resolves every check against the snapshot at now.
func (d *Document) Run(now time.Time) []Result {
	engine := policy.NewEngine(policy.WithClock(func() time.Time { return now }))
	results := make([]Result, 0, len(d.Checks))
	for _, c := range d.Checks {
		req, err := c.Request()
		if err != nil {
			// Parse rejects these; a hand-built document may still carry one.
			continue
		}
		dec := engine.Resolve(d.Snapshot, req)
		results = append(results, Result{Check: c, Decision: dec, Pass: c.Expect.matches(dec)})
	}
	return results
}

func (e *Expectation) matches(d types.Decision) bool {
	if e == nil {
		return true
	}
	if e.Granted != nil && *e.Granted != d.IsGranted() {
		return false
	}
	if e.Reason != nil && *e.Reason != d.Reason {
		return false
	}
	return true
}
