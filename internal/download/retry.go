package download

import (
	"context"
	"fmt"
	"time"
)

// DownloadWithRetry keeps calling Download, sleeping the configured
// interval between attempts, until it succeeds or budget has elapsed. A
// zero budget uses the configured default.
func (d *Downloader) DownloadWithRetry(ctx context.Context, dir, rawURL string, decompress bool, budget time.Duration) (string, error) {
	if budget <= 0 {
		budget = d.cfg.RetryBudget
	}
	d.log.Info().Str("url", rawURL).Dur("budget", budget).Msg("downloading with retry")

	deadline := d.clock.Now().Add(budget)
	tries := 0
	for {
		path, err := d.Download(ctx, rawURL, Options{Dir: dir, Decompress: decompress})
		if err == nil {
			return path, nil
		}
		tries++
		d.log.Warn().Err(err).Str("url", rawURL).Int("tries", tries).Msg("unable to download")

		if ctx.Err() != nil {
			return "", fmt.Errorf("downloading %s failed after %d tries: %w", rawURL, tries, ctx.Err())
		}
		if !d.clock.Now().Before(deadline) {
			return "", fmt.Errorf("downloading %s failed after %d tries: %w", rawURL, tries, err)
		}
		d.log.Info().Dur("interval", d.cfg.RetryInterval).Int("tries", tries).Msg("sleeping before retry")
		d.clock.Sleep(d.cfg.RetryInterval)
	}
}
