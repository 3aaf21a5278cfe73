// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/hostrelay/lib/secrethash"
)

// Record is a parsed trust declaration.
type Record struct {
	ClientID    string
	IsTrust     bool
	Description string

	// Password is the host master password as found in the file:
	// plaintext, an already-hashed value, or empty when absent.
	Password string

	// PasswordHashed is true when Password was found in hashed form.
	PasswordHashed bool

	// fields is the whole decoded record, kept so a migration rewrite
	// preserves fields this package does not know about.
	fields map[string]json.RawMessage
}

// legacyPassword is the older object form: {"password": "...",
// "hashed": false}.
type legacyPassword struct {
	Password string `json:"password"`
	Hashed   *bool  `json:"hashed"`
}

// passwordFields lists where a record may carry the host password,
// current name first.
var passwordFields = []string{"password", "sillyTavernPassWord"}

// ParseRecord decodes a trust record. JSON with comments and trailing
// commas is accepted. A record without both clientId and isTrust is an
// error.
func ParseRecord(data []byte) (*Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &fields); err != nil {
		return nil, fmt.Errorf("parsing trust record: %w", err)
	}

	record := &Record{fields: fields}
	rawClientID, hasClientID := fields["clientId"]
	rawIsTrust, hasIsTrust := fields["isTrust"]
	if !hasClientID || !hasIsTrust {
		return nil, fmt.Errorf("trust record missing clientId or isTrust")
	}
	if err := json.Unmarshal(rawClientID, &record.ClientID); err != nil || record.ClientID == "" {
		return nil, fmt.Errorf("trust record clientId must be a non-empty string")
	}
	if err := json.Unmarshal(rawIsTrust, &record.IsTrust); err != nil {
		return nil, fmt.Errorf("trust record isTrust must be a boolean")
	}
	if rawDescription, ok := fields["description"]; ok {
		json.Unmarshal(rawDescription, &record.Description)
	}

	for _, name := range passwordFields {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			continue
		}
		password, hashed, err := parsePassword(raw)
		if err != nil {
			return nil, fmt.Errorf("trust record %s: %w", name, err)
		}
		record.Password, record.PasswordHashed = password, hashed
		break
	}
	return record, nil
}

// parsePassword accepts a string (hashed when it has the hash prefix)
// or the legacy object form.
func parsePassword(raw json.RawMessage) (string, bool, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, secrethash.IsHash(asString), nil
	}
	var legacy legacyPassword
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return "", false, fmt.Errorf("must be a string or {password, hashed}")
	}
	if legacy.Hashed != nil && !*legacy.Hashed {
		return legacy.Password, false, nil
	}
	if !secrethash.IsHash(legacy.Password) {
		return "", false, fmt.Errorf("marked hashed but not in hashed form")
	}
	return legacy.Password, true, nil
}

// withPasswordHash returns the record's fields with the password
// replaced by hash under the current field name.
func (r *Record) withPasswordHash(hash string) map[string]json.RawMessage {
	fields := make(map[string]json.RawMessage, len(r.fields)+1)
	for name, value := range r.fields {
		fields[name] = value
	}
	for _, name := range passwordFields {
		delete(fields, name)
	}
	encoded, _ := json.Marshal(hash)
	fields["password"] = encoded
	return fields
}
