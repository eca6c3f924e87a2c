// Package gotidb provides a Go SDK for vector, full-text, and hybrid search
// over TiDB tables.
//
// Tables are declared schema-first with struct tags and Go generics. A
// []float32 field becomes a VECTOR column; binding an embedding function to
// it turns inserts and text searches into automatic embedding calls:
//
//	type Chunk struct {
//	    ID        int64     `gotidb:"id,pk,auto"`
//	    Text      string    `gotidb:"text,text,fulltext"`
//	    Meta      string    `gotidb:"meta,json"`
//	    Embedding []float32 `gotidb:"embedding,vector,source=text"`
//	}
//
//	client, _ := gotidb.Connect(ctx,
//	    gotidb.WithHost("localhost"),
//	    gotidb.WithPort(4000),
//	    gotidb.WithCredentials("root", ""),
//	    gotidb.WithDatabase("test"),
//	)
//	table, _ := gotidb.CreateTable[Chunk](ctx, client, "chunks",
//	    gotidb.WithEmbedding("embedding", embedder),
//	)
//	_, _ = table.BulkInsert(ctx, chunks)
//
// # Searching
//
// Search is a fluent builder over three modes: vector (semantic), fulltext
// (keyword), and hybrid (both, fused by reciprocal rank or weighted score):
//
//	results, _ := table.Search("how do vector indexes work").
//	    SearchType(gotidb.SearchTypeHybrid).
//	    Filter(map[string]any{"meta.lang": "en"}).
//	    Limit(10).
//	    ToResults(ctx)
//
//	for _, r := range results {
//	    fmt.Println(r.Hit.Text, r.Score)
//	}
//
// Literal query vectors skip the embedding call:
//
//	results, _ := table.SearchVector([]float32{0.1, 0.2, 0.3}).
//	    Limit(5).
//	    ToResults(ctx)
package gotidb
