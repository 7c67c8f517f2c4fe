// Package retrieval implements the retrieval index adapter: it uploads a
// document blob and its metadata to the external retrieval/vector index
// and returns a stable retrieval_doc_id derived from the content hash, so
// a repeat upload of the same bytes is a no-op. This daemon never queries
// the index, only writes to it.
package retrieval

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lineread/ingestd/engine/domain"
	pb "github.com/qdrant/go-client/qdrant"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// docIDNamespace scopes the deterministic retrieval_doc_id derivation, the
// same uuid.NewSHA1 technique engine/domain uses for process_id.
var docIDNamespace = uuid.MustParse("9b6e4d2a-3f7c-4e1a-8d5b-7a2c9f6e0d14")

// Index is the client for the external retrieval index.
type Index struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	limiter     *rate.Limiter
}

// Opts configures the Index.
type Opts struct {
	Addr       string
	Collection string
	RateLimit  rate.Limit
	RateBurst  int
}

// New dials Qdrant and returns an Index. The collection is not created
// here; call EnsureCollection once at startup.
func New(opts Opts) (*Index, error) {
	conn, err := grpc.NewClient(opts.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("retrieval: dial %s: %w", opts.Addr, err)
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return &Index{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  opts.Collection,
		limiter:     limiter,
	}, nil
}

// Close closes the underlying gRPC connection.
func (idx *Index) Close() error { return idx.conn.Close() }

// EnsureCollection creates the blob-storage collection if absent. A
// single-dimension zero vector is used as the vector field since the index
// is used purely as a content-addressed store here, not for similarity
// search.
func (idx *Index) EnsureCollection(ctx context.Context) error {
	list, err := idx.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("retrieval: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == idx.collection {
			return nil
		}
	}
	_, err = idx.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: idx.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: 1, Distance: pb.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("retrieval: create collection %s: %w", idx.collection, err)
	}
	return nil
}

// retrievalDocID derives the stable, content-addressed id for contentHash.
func retrievalDocID(contentHash string) string {
	return uuid.NewSHA1(docIDNamespace, []byte(contentHash)).String()
}

// Upload stores blob and metadata keyed by content_hash and returns the
// stable retrieval_doc_id. If a point with this id already exists, the
// upload is skipped and the existing id is returned.
func (idx *Index) Upload(ctx context.Context, blob []byte, metadata map[string]string, contentHash string) (string, error) {
	id := retrievalDocID(contentHash)

	if exists, err := idx.exists(ctx, id); err != nil {
		return "", domain.Classify(classifyErr(err), err)
	} else if exists {
		return id, nil
	}

	if idx.limiter != nil {
		if err := idx.limiter.Wait(ctx); err != nil {
			return "", domain.Classify(domain.FailureCancelled, err)
		}
	}

	payload := make(map[string]*pb.Value, len(metadata)+2)
	for k, v := range metadata {
		payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	payload["content_hash"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: contentHash}}
	payload["blob_b64"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: base64.StdEncoding.EncodeToString(blob)}}

	wait := true
	_, err := idx.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: idx.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: []float32{0}}}},
			Payload: payload,
		}},
	})
	if err != nil {
		return "", domain.Classify(classifyErr(err), fmt.Errorf("retrieval: upload: %w", err))
	}
	return id, nil
}

func (idx *Index) exists(ctx context.Context, id string) (bool, error) {
	resp, err := idx.points.Get(ctx, &pb.GetPoints{
		CollectionName: idx.collection,
		Ids:            []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}},
	})
	if err != nil {
		return false, err
	}
	return len(resp.GetResult()) > 0, nil
}

func classifyErr(err error) domain.FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.FailureTimeout
	case errors.Is(err, context.Canceled):
		return domain.FailureCancelled
	default:
		return domain.FailureBackend5xx
	}
}
