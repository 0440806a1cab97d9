package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// SiteID is the alias of a site in the registry (e.g. "site1")
type SiteID string

// TxnID is a system-wide transaction id: <coordinator site>-<counter>.
// It doubles as the engine's prepared-transaction gid.
type TxnID string

const txnSeparator = "-"

// NewTxnID builds the id for the counter-th transaction originated at site.
func NewTxnID(site SiteID, counter uint64) TxnID {
	return TxnID(fmt.Sprintf("%s%s%012d", site, txnSeparator, counter))
}

// ParseTxnID splits an id into its coordinator site and counter.
func ParseTxnID(id TxnID) (SiteID, uint64, error) {
	s := string(id)
	i := strings.LastIndex(s, txnSeparator)
	if i <= 0 || i == len(s)-1 {
		return "", 0, fmt.Errorf("malformed transaction id %q", s)
	}

	n, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed transaction id %q: %w", s, err)
	}

	return SiteID(s[:i]), n, nil
}

// Origin returns the coordinator site encoded in the id, or "" if malformed.
func (id TxnID) Origin() SiteID {
	site, _, err := ParseTxnID(id)
	if err != nil {
		return ""
	}
	return site
}
