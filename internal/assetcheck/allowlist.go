package assetcheck

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AllowList holds the per-request address sets the validator checks the
// sender's own outflows against. Members are stored lowercase.
type AllowList struct {
	relayExecute     map[string]struct{}
	nativeRecipients map[string]struct{}
}

// BuildAllowList derives the allow list for one request. Relays may spend the
// sender's approvals; the destination, decoded targets and relays may receive
// the sender's native value.
func BuildAllowList(destination common.Address, targets, relays []common.Address) AllowList {
	a := AllowList{
		relayExecute:     make(map[string]struct{}),
		nativeRecipients: make(map[string]struct{}),
	}

	for _, r := range relays {
		addTo(a.relayExecute, r)
		addTo(a.nativeRecipients, r)
	}
	addTo(a.nativeRecipients, destination)
	for _, t := range targets {
		addTo(a.nativeRecipients, t)
	}
	return a
}

// NewAllowList builds an allow list from raw address strings in any case.
func NewAllowList(relayExecute, nativeRecipients []string) AllowList {
	a := AllowList{
		relayExecute:     make(map[string]struct{}, len(relayExecute)),
		nativeRecipients: make(map[string]struct{}, len(nativeRecipients)),
	}
	for _, s := range relayExecute {
		a.relayExecute[normalize(s)] = struct{}{}
	}
	for _, s := range nativeRecipients {
		a.nativeRecipients[normalize(s)] = struct{}{}
	}
	return a
}

func addTo(set map[string]struct{}, addr common.Address) {
	if addr == (common.Address{}) {
		return
	}
	set[normalize(addr.Hex())] = struct{}{}
}

func (a AllowList) Empty() bool {
	return len(a.relayExecute) == 0 && len(a.nativeRecipients) == 0
}

func (a AllowList) IsRelayExecute(addr string) bool {
	_, ok := a.relayExecute[normalize(addr)]
	return ok
}

func (a AllowList) IsNativeRecipient(addr string) bool {
	_, ok := a.nativeRecipients[normalize(addr)]
	return ok
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
