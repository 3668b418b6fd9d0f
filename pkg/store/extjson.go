package store

import (
	"encoding/json"
	"fmt"
)

// ToExtJSON serializes the set as the extended-JSON document the server
// expects: an object keyed by object class, each class holding its
// subscriptions keyed by name (or the string form of the id for unnamed
// ones) with the stringified query as the value. Subscriptions sharing a
// class stay individually represented; the server combines them with OR.
//
// The output is canonical: keys are emitted in sorted order, so the byte
// form is stable for a given set. The server relies on this stability.
func (ss *SubscriptionSet) ToExtJSON() (string, error) {
	doc := make(map[string]map[string]string)
	for _, sub := range ss.subs {
		class, ok := doc[sub.ObjectClassName]
		if !ok {
			class = make(map[string]string)
			doc[sub.ObjectClassName] = class
		}
		class[sub.NameOrID()] = sub.QueryString
	}

	// encoding/json emits map keys sorted, which is the canonical order.
	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("serializing subscription set version %d: %w", ss.version, err)
	}
	return string(out), nil
}
