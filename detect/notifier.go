package detect

import (
	"context"

	"herringbone/core"
	"herringbone/pipeline"
)

const orchestratorPath = "/incidents/orchestrator/process_detection"

// HTTPNotifier posts detections to a remote orchestrator, for split
// deployments where incident handling runs as its own process.
type HTTPNotifier struct {
	client *pipeline.ServiceClient
}

func NewHTTPNotifier(client *pipeline.ServiceClient) *HTTPNotifier {
	return &HTTPNotifier{client: client}
}

func (n *HTTPNotifier) NotifyDetection(ctx context.Context, payload core.DetectionPayload) error {
	return n.client.PostJSON(ctx, orchestratorPath, payload, nil)
}
