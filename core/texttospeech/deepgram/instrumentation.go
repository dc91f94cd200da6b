package deepgram

import "go.opentelemetry.io/otel"

const scopeName = "github.com/miavoice/mia-core/core/texttospeech/deepgram"

var tracer = otel.Tracer(scopeName)
