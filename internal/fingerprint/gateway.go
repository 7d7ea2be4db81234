package fingerprint

import (
	"context"
	"net/http"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/executor"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

const httpxTimeout = 30 * time.Second

// Gateway merges every source's detections into one categorized profile.
// A failing source is logged and skipped; the profile may be empty.
type Gateway struct {
	sources []Source
	logger  *logger.Logger
}

func NewGateway(log *logger.Logger, sources ...Source) *Gateway {
	return &Gateway{sources: sources, logger: log.WithComponent("fingerprint")}
}

func (g *Gateway) Fingerprint(ctx context.Context, url string) (types.TechnologyProfile, error) {
	log := g.logger.WithTarget(url)
	start := time.Now()
	ctx, span := log.StartOperation(ctx, "fingerprint")

	var all []string
	for _, src := range g.sources {
		if err := ctx.Err(); err != nil {
			log.FinishOperation(ctx, span, "fingerprint", start, err)
			return types.TechnologyProfile{}, err
		}
		names, err := src.Detect(ctx, url)
		if err != nil {
			log.Warnw("Fingerprint source failed", "source", src.Name(), "error", err)
			continue
		}
		log.Debugw("Fingerprint source finished", "source", src.Name(), "technologies", names)
		all = append(all, names...)
	}

	profile := Categorize(all)
	log.FinishOperation(ctx, span, "fingerprint", start, nil, "technologies", profile.All)
	return profile, nil
}

// NewDefault returns a gateway over the builtin signatures plus httpx when
// the binary is installed.
func NewDefault(log *logger.Logger, client *http.Client, httpxBinary string) *Gateway {
	sources := []Source{NewBuiltin(client)}
	hx := NewHTTPX(httpxBinary, executor.ProcessRunner{Timeout: httpxTimeout})
	if hx.Available() {
		sources = append(sources, hx)
	} else {
		log.WithComponent("fingerprint").Infow("httpx not found, using builtin signatures only", "binary", hx.binary)
	}
	return NewGateway(log, sources...)
}
