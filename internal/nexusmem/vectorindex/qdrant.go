package vectorindex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// textPayloadField and origIDPayloadField store the chunk text and the
// caller-supplied (non-UUID) id inside the Qdrant payload, since Qdrant
// point IDs must be a UUID or unsigned integer.
const (
	textPayloadField  = "_text"
	origIDPayloadField = "_original_id"
)

// Qdrant is a VectorIndex backed by a Qdrant collection over gRPC.
type Qdrant struct {
	client *qdrant.Client
	metric string
}

// NewQdrant dials a Qdrant instance. dsn is a URL such as
// "http://localhost:6334" with an optional "api_key" query parameter.
func NewQdrant(dsn string, metric string) (*Qdrant, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: invalid qdrant port: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: create qdrant client: %w", err)
	}
	m := strings.ToLower(strings.TrimSpace(metric))
	if m == "" {
		m = DefaultMetric
	}
	return &Qdrant{client: client, metric: m}, nil
}

func (q *Qdrant) Close() error { return q.client.Close() }

func (q *Qdrant) CreateOrOpen(ctx context.Context, collection string, vectorSize int) error {
	exists, err := q.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("vectorindex: check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	if vectorSize <= 0 {
		vectorSize = DefaultVectorSize
	}
	var distance qdrant.Distance
	switch q.metric {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	default:
		distance = qdrant.Distance_Cosine
	}
	hnsw := &qdrant.HnswConfigDiff{
		M:            ptrU64(DefaultM),
		EfConstruct:  ptrU64(DefaultConstructionEF),
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(vectorSize),
			Distance: distance,
		}),
		HnswConfig: hnsw,
	})
}

func (q *Qdrant) Insert(ctx context.Context, collection string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(items))
	for _, it := range items {
		points = append(points, q.toPoint(it))
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: collection, Points: points})
	return err
}

func (q *Qdrant) Update(ctx context.Context, collection string, ids []string, patch Item) error {
	// Qdrant has no partial-field update by original-id lookup without a
	// read first; fetch current payload/vector, merge, then upsert.
	for _, id := range ids {
		pointID := toPointID(id)
		pts, err := q.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: collection,
			Ids:            []*qdrant.PointId{pointID},
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return fmt.Errorf("vectorindex: fetch for update: %w", err)
		}
		if len(pts) == 0 {
			continue
		}
		existing := pts[0]
		item := Item{ID: id, Metadata: map[string]string{}}
		if existing.Payload != nil {
			for k, v := range existing.Payload {
				if k == textPayloadField {
					item.Text = v.GetStringValue()
					continue
				}
				if k == origIDPayloadField {
					continue
				}
				item.Metadata[k] = v.GetStringValue()
			}
		}
		if existing.Vectors != nil {
			item.Vector = existing.Vectors.GetVector().GetData()
		}
		if patch.Vector != nil {
			item.Vector = patch.Vector
		}
		if patch.Text != "" {
			item.Text = patch.Text
		}
		for k, v := range patch.Metadata {
			item.Metadata[k] = v
		}
		if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         []*qdrant.PointStruct{q.toPoint(item)},
		}); err != nil {
			return fmt.Errorf("vectorindex: update upsert: %w", err)
		}
	}
	return nil
}

func (q *Qdrant) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, toPointID(id))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	// Delete is idempotent: Qdrant does not error on unknown ids.
	return err
}

func (q *Qdrant) Query(ctx context.Context, collection string, vector []float32, k int, where Predicate) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	limit := uint64(k)
	resp, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         toQdrantFilter(where),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(resp))
	for _, hit := range resp {
		id, text, meta := fromPayload(hit.Id, hit.Payload)
		dist := qdrantScoreToDistance(float64(hit.Score), q.metric)
		out = append(out, Result{ID: id, Text: text, Metadata: meta, Similarity: NormalizeDistance(dist)})
	}
	return out, nil
}

func (q *Qdrant) toPoint(it Item) *qdrant.PointStruct {
	pointID := toPointID(it.ID)
	payloadMap := make(map[string]any, len(it.Metadata)+2)
	for k, v := range it.Metadata {
		payloadMap[k] = v
	}
	if it.Text != "" {
		payloadMap[textPayloadField] = it.Text
	}
	if uid := pointID.GetUuid(); uid != it.ID {
		payloadMap[origIDPayloadField] = it.ID
	}
	vec := make([]float32, len(it.Vector))
	copy(vec, it.Vector)
	return &qdrant.PointStruct{
		Id:      pointID,
		Vectors: qdrant.NewVectorsDense(vec),
		Payload: qdrant.NewValueMap(payloadMap),
	}
}

func toPointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String())
}

func fromPayload(id *qdrant.PointId, payload map[string]*qdrant.Value) (string, string, map[string]string) {
	uuidStr := id.GetUuid()
	if uuidStr == "" {
		uuidStr = id.String()
	}
	text := ""
	meta := map[string]string{}
	origID := ""
	for k, v := range payload {
		switch k {
		case textPayloadField:
			text = v.GetStringValue()
		case origIDPayloadField:
			origID = v.GetStringValue()
		default:
			meta[k] = v.GetStringValue()
		}
	}
	resolved := origID
	if resolved == "" {
		resolved = uuidStr
	}
	return resolved, text, meta
}

// qdrantScoreToDistance converts Qdrant's similarity score (higher is
// closer) back to a [0,2] distance so it can flow through the single
// NormalizeDistance chokepoint every backend shares.
func qdrantScoreToDistance(score float64, metric string) float64 {
	switch metric {
	case "l2", "euclidean":
		return score
	default: // cosine score in [-1,1]
		return 1 - score
	}
}

func toQdrantFilter(where Predicate) *qdrant.Filter {
	if len(where) == 0 {
		return nil
	}
	var must, should []*qdrant.Condition
	for k, v := range where {
		switch k {
		case "$and":
			if subs, ok := v.([]Predicate); ok {
				for _, sub := range subs {
					if f := toQdrantFilter(sub); f != nil {
						must = append(must, &qdrant.Condition{
							ConditionOneOf: &qdrant.Condition_Filter{Filter: f},
						})
					}
				}
			}
		case "$or":
			if subs, ok := v.([]Predicate); ok {
				for _, sub := range subs {
					if f := toQdrantFilter(sub); f != nil {
						should = append(should, &qdrant.Condition{
							ConditionOneOf: &qdrant.Condition_Filter{Filter: f},
						})
					}
				}
			}
		default:
			if s, ok := v.(string); ok {
				must = append(must, qdrant.NewMatch(k, s))
			}
		}
	}
	if len(must) == 0 && len(should) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must, Should: should}
}

func ptrU64(v uint64) *uint64 { return &v }
