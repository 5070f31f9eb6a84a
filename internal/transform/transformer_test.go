package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aras-services/api-gateway/internal/cache"
	"github.com/aras-services/api-gateway/internal/domain"
	"github.com/aras-services/api-gateway/internal/schema"
)

func newTestTransformer() *Transformer {
	return New(schema.New(cache.NewInMemoryStore(), zap.NewNop()), zap.NewNop())
}

func TestTransformRequest_NoMappingPassesThrough(t *testing.T) {
	tr := newTestTransformer()
	doc := map[string]interface{}{"a": 1}
	out, err := tr.TransformRequest(context.Background(), doc, "erp", "crm")
	require.NoError(t, err)
	assert.Equal(t, doc, out)
}

func TestTransformRequest_ErpToCrmExample(t *testing.T) {
	tr := newTestTransformer()
	tr.RegisterMapping(domain.SchemaMapping{
		SourceSchema: "erp", TargetSchema: "crm", Active: true,
		Fields: []domain.FieldMapping{
			{Name: "name", SourcePath: "$.projectNumber", TargetPath: "$.name", Operator: domain.OpDirect},
			{
				Name: "statuscode", SourcePath: "$.status", TargetPath: "$.statuscode",
				Operator: domain.OpMap, InlineMap: map[string]string{"Active": "1", "Closed": "2"},
			},
			{
				Name: "customerid", SourcePath: "$.customerId", TargetPath: "$.customerid",
				Operator: domain.OpLookup, Argument: "customer-guid",
			},
		},
	})

	require.NoError(t, tr.schema.RegisterLookupTable(context.Background(), domain.LookupTable{
		Name:    "customer-guid",
		Entries: map[string]string{"CUST001": "account-guid-001"},
	}))

	out, err := tr.TransformRequest(context.Background(), map[string]interface{}{
		"projectNumber": "P-1", "status": "Active", "customerId": "CUST001",
	}, "erp", "crm")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"name": "P-1", "statuscode": "1", "customerid": "account-guid-001",
	}, out)
}

func TestTransformRequest_RequiredNullAborts(t *testing.T) {
	tr := newTestTransformer()
	tr.RegisterMapping(domain.SchemaMapping{
		SourceSchema: "a", TargetSchema: "b", Active: true,
		Fields: []domain.FieldMapping{
			{Name: "x", SourcePath: "$.missing", TargetPath: "$.x", Operator: domain.OpDirect, Required: true},
		},
	})

	_, err := tr.TransformRequest(context.Background(), map[string]interface{}{}, "a", "b")
	require.Error(t, err)
	var terr *TransformError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "$.x", terr.Path)
}

func TestTransformRequest_DefaultValueAppliedOnNull(t *testing.T) {
	tr := newTestTransformer()
	tr.RegisterMapping(domain.SchemaMapping{
		SourceSchema: "a", TargetSchema: "b", Active: true,
		Fields: []domain.FieldMapping{
			{Name: "x", SourcePath: "$.missing", TargetPath: "$.x", Operator: domain.OpDirect, DefaultValue: "fallback"},
		},
	})

	out, err := tr.TransformRequest(context.Background(), map[string]interface{}{}, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "fallback", out["x"])
}

func TestTransformRequest_InactiveMappingPassesThrough(t *testing.T) {
	tr := newTestTransformer()
	tr.RegisterMapping(domain.SchemaMapping{SourceSchema: "a", TargetSchema: "b", Active: false})

	doc := map[string]interface{}{"a": 1}
	out, err := tr.TransformRequest(context.Background(), doc, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, doc, out)
}

func TestDirectRoundTrip_BijectiveOverDisjointPaths(t *testing.T) {
	tr := newTestTransformer()
	tr.RegisterMapping(domain.SchemaMapping{
		SourceSchema: "a", TargetSchema: "b", Active: true,
		Fields: []domain.FieldMapping{
			{Name: "f1", SourcePath: "$.foo", TargetPath: "$.foo", Operator: domain.OpDirect},
			{Name: "f2", SourcePath: "$.bar", TargetPath: "$.bar", Operator: domain.OpDirect},
		},
	})
	tr.RegisterMapping(domain.SchemaMapping{
		SourceSchema: "b", TargetSchema: "a", Active: true,
		Fields: []domain.FieldMapping{
			{Name: "f1", SourcePath: "$.foo", TargetPath: "$.foo", Operator: domain.OpDirect},
			{Name: "f2", SourcePath: "$.bar", TargetPath: "$.bar", Operator: domain.OpDirect},
		},
	})

	original := map[string]interface{}{"foo": "x", "bar": "y"}
	forward, err := tr.TransformRequest(context.Background(), original, "a", "b")
	require.NoError(t, err)
	back, err := tr.TransformRequest(context.Background(), forward, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, original, back)
}

func TestConcatOperator_InterpolatesPathTokens(t *testing.T) {
	tr := newTestTransformer()
	tr.RegisterMapping(domain.SchemaMapping{
		SourceSchema: "a", TargetSchema: "b", Active: true,
		Fields: []domain.FieldMapping{
			{Name: "full", SourcePath: "", TargetPath: "$.full", Operator: domain.OpConcat, Argument: "$.first $.last"},
		},
	})
	out, err := tr.TransformRequest(context.Background(), map[string]interface{}{"first": "Ada", "last": "Lovelace"}, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", out["full"])
}

func TestSetPath_ArrayOutOfRangeIsError(t *testing.T) {
	tr := newTestTransformer()
	tr.RegisterMapping(domain.SchemaMapping{
		SourceSchema: "a", TargetSchema: "b", Active: true,
		Fields: []domain.FieldMapping{
			{Name: "x", SourcePath: "$.v", TargetPath: "$.items.5", Operator: domain.OpConstant, Argument: "v"},
		},
	})
	target := map[string]interface{}{}
	target["items"] = []interface{}{}
	// apply goes through a fresh target map each call, so exercise setPath directly for the array case.
	err := setPath(map[string]interface{}{"items": []interface{}{1, 2}}, "$.items.5", "x")
	require.Error(t, err)
}
