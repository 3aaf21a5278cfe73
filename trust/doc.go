// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust holds the set of clients the broker will talk to and
// the startup scan that fills it.
//
// A client is either an extension or a host, never both. Hosts are
// recognized by a clientId prefix in their trust record and may carry
// a master password used by the LOGIN event.
//
// [Bootstrap] reads every trust record in the settings directory once
// at startup. Records may contain // comments. Host passwords are
// migrated to bcrypt the first time they are seen: the record is
// rewritten with the hash and a per-host key file is written next to
// it. A second startup finds only hashes and writes nothing.
package trust
