// Package extract implements the pre-storage processor: JSON-Schema
// validation of a published document followed by JSON-Pointer field
// extraction into the typed columns a descriptor's extractors declare.
package extract

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/go-openapi/jsonpointer"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ocx/broker/internal/mb/mberr"
	"github.com/ocx/broker/internal/mb/model"
)

// Processor validates and extracts fields from published documents,
// compiling and caching JSON schemas per schema_id.
type Processor struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// New returns a ready Processor.
func New() *Processor {
	return &Processor{compiled: make(map[string]*jsonschema.Schema)}
}

func (p *Processor) compile(schema model.EventSchema) (*jsonschema.Schema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.compiled[schema.SchemaID]; ok {
		return s, nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schema.SchemaID, strings.NewReader(schema.SchemaData)); err != nil {
		return nil, err
	}
	s, err := c.Compile(schema.SchemaID)
	if err != nil {
		return nil, err
	}
	p.compiled[schema.SchemaID] = s
	return s, nil
}

// Process validates document against desc's schema (if any), then runs each
// extractor, returning the resulting column map. Schema validation failure
// is a fatal PreStorageProcessorError for the publish; individual extractor
// failures or unknown result types are logged at debug and the column is
// simply omitted.
func (p *Processor) Process(document []byte, desc model.EventDescriptor) (map[string]model.ExtractedValue, error) {
	if desc.Schema != nil {
		schema, err := p.compile(*desc.Schema)
		if err != nil {
			return nil, mberr.Wrap(mberr.PreStorageProcessorError, err, "compile schema %q", desc.Schema.SchemaID)
		}
		var v any
		if err := json.Unmarshal(document, &v); err != nil {
			return nil, mberr.Wrap(mberr.PreStorageProcessorError, err, "document is not valid JSON")
		}
		if err := schema.Validate(v); err != nil {
			return nil, mberr.Wrap(mberr.PreStorageProcessorError, err, "schema validation failed")
		}
	}

	columns := make(map[string]model.ExtractedValue, len(desc.Extractors))
	if len(desc.Extractors) == 0 {
		return columns, nil
	}

	var doc any
	if err := json.Unmarshal(document, &doc); err != nil {
		return nil, mberr.Wrap(mberr.PreStorageProcessorError, err, "document is not valid JSON")
	}

	for _, ex := range desc.Extractors {
		val, err := extractOne(doc, ex)
		if err != nil {
			slog.Debug("extractor failed, omitting column", "result_name", ex.ResultName, "error", err)
			continue
		}
		if val.IsZero() {
			slog.Debug("extractor produced no value, omitting column", "result_name", ex.ResultName)
			continue
		}
		columns[ex.ResultName] = val
	}
	return columns, nil
}

func extractOne(doc any, ex model.Extractor) (model.ExtractedValue, error) {
	ptr, err := jsonpointer.New(ex.ExtractionPath)
	if err != nil {
		return model.ExtractedValue{}, err
	}
	raw, _, err := ptr.Get(doc)
	if err != nil {
		return model.ExtractedValue{}, err
	}

	switch ex.ResultType {
	case model.ResultText:
		s, ok := raw.(string)
		if !ok {
			return model.ExtractedValue{}, nil
		}
		return model.TextValue(s), nil
	case model.ResultBigInt:
		switch n := raw.(type) {
		case float64:
			return model.BigIntValue(int64(n)), nil
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return model.ExtractedValue{}, nil
			}
			return model.BigIntValue(i), nil
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return model.ExtractedValue{}, nil
			}
			return model.BigIntValue(i), nil
		default:
			return model.ExtractedValue{}, nil
		}
	default:
		slog.Debug("unknown extractor result_type, ignoring", "result_type", ex.ResultType)
		return model.ExtractedValue{}, nil
	}
}
