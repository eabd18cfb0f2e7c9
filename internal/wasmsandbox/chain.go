package wasmsandbox

import "context"

// ParseChain runs names in parse phase in order. The first module to
// emit a non-empty host wins, carrying forward any rewrite seen so far.
// A module that only rewrites updates the buffer but does not stop the
// chain. Fatal errors degrade to no-match so later modules can still
// win. If nothing matches but at least one module signaled
// need-more-data, the whole chain reports need-more-data.
func (p *Provider) ParseChain(ctx context.Context, names []string, buf []byte, upstream string) (host string, rewritten []byte, status Status) {
	cur := buf
	sawNeedMoreData := false

	for _, name := range names {
		out, st, err := p.Run(ctx, name, cur, PhaseParse, upstream)
		if err != nil || st == StatusFatal {
			continue
		}
		if st == StatusNeedMoreData {
			sawNeedMoreData = true
			continue
		}
		if st != StatusMatched {
			continue
		}
		if out.Rewrite != nil {
			cur = out.Rewrite
		}
		if out.Host != "" {
			return out.Host, cur, StatusMatched
		}
	}

	if sawNeedMoreData {
		return "", nil, StatusNeedMoreData
	}
	return "", nil, StatusNoMatch
}

// RewriteChain runs every module in names unconditionally in rewrite
// phase, ignoring individual failures, threading any rewrite forward.
func (p *Provider) RewriteChain(ctx context.Context, names []string, buf []byte, upstream string) []byte {
	cur := buf
	for _, name := range names {
		out, st, err := p.Run(ctx, name, cur, PhaseRewrite, upstream)
		if err != nil || st != StatusMatched {
			continue
		}
		if out.Rewrite != nil {
			cur = out.Rewrite
		}
	}
	return cur
}
