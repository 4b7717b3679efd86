package stages

import "github.com/calebwren/imagegate/internal/pipeline"

// Pipeline names served by a default gateway.
const (
	PipelineRemoveBackground = "remove-background"
	PipelineProcess          = "process"
	PipelineRenderTemplate   = "render-template"
	PipelineProcessFull      = "process-full"
)

// DefaultRegistry builds the standard pipeline set.
func DefaultRegistry() *pipeline.Registry {
	r := pipeline.NewRegistry()
	r.Register(&pipeline.Pipeline{
		Name:   PipelineRemoveBackground,
		Stages: []pipeline.Stage{Matte{}},
	})
	r.Register(&pipeline.Pipeline{
		Name:   PipelineProcess,
		Stages: []pipeline.Stage{Matte{}, Compose{}},
	})
	r.Register(&pipeline.Pipeline{
		Name:   PipelineRenderTemplate,
		Stages: []pipeline.Stage{Overlay{}},
	})
	r.Register(&pipeline.Pipeline{
		Name:   PipelineProcessFull,
		Stages: []pipeline.Stage{Matte{}, Compose{}, Overlay{}},
	})
	return r
}
