package orchestrator

import (
	"net/url"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/idor"
)

func hasMutationPoint(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return len(idor.MutationPoints(u)) > 0
}
