package scheduling

import (
	"context"

	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/functions"
)

// GenerateOccurrencesFunction is the deployed name of the materializer.
const GenerateOccurrencesFunction = "generate-appointment-occurrences"

// RemoteMaterializer delegates generation to a separately deployed function.
type RemoteMaterializer struct {
	client *functions.Client
}

func NewRemoteMaterializer(client *functions.Client) *RemoteMaterializer {
	return &RemoteMaterializer{client: client}
}

func (m *RemoteMaterializer) Materialize(ctx context.Context, req MaterializeRequest) (int, error) {
	var resp MaterializeResponse
	if err := m.client.Invoke(ctx, GenerateOccurrencesFunction, req, &resp); err != nil {
		return 0, err
	}
	return resp.Generated.Created, nil
}
