package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourceplane/devicelab/internal/results"
)

type submitResults struct{ base }

func newSubmitResults(b base) Action { return &submitResults{b} }

func (a *submitResults) Run(ctx context.Context, p Params) error {
	if a.c.Submitter == nil {
		return errors.New("no results submitter configured")
	}
	dest := results.Destination{
		Server: p.String("server"),
		Stream: p.String("stream"),
		Token:  p.String("token"),
	}
	location, err := a.c.Submitter.Submit(ctx, a.c.Bundle(), dest)
	if err != nil {
		return fmt.Errorf("failed to submit results: %w", err)
	}
	a.c.Logger.Info().Str("location", location).Msg("results submitted")
	return nil
}
