package openai

import "go.opentelemetry.io/otel"

const scopeName = "github.com/miavoice/mia-core/core/agents/openai"

var tracer = otel.Tracer(scopeName)
