package clpr

import (
	"strings"

	"github.com/google/uuid"
)

var connectorNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:clpr:connector"))

// DeriveConnectorID returns a stable id for the connector owned by ownerKey
// that routes from local to remote. The same inputs always give the same id.
func DeriveConnectorID(prefix, ownerKey string, local, remote LedgerID) ConnectorID {
	name := strings.Join([]string{prefix, ownerKey, string(local), string(remote)}, "|")
	return ConnectorID(uuid.NewSHA1(connectorNamespace, []byte(name)).String())
}

// DeriveConnectorPair returns the ids of a connector on local and its
// counterpart on remote, both owned by ownerKey.
func DeriveConnectorPair(prefix, ownerKey string, local, remote LedgerID) (ConnectorID, ConnectorID) {
	return DeriveConnectorID(prefix, ownerKey, local, remote), DeriveConnectorID(prefix, ownerKey, remote, local)
}

func newTraceID() string {
	return uuid.NewString()
}
