package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestLocalStore(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()
	data := []byte("hello world")

	ref, err := store.Put(ctx, "abc/report.txt", bytes.NewReader(data), PutOptions{MimeType: "text/plain"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(ref, "file://") || !strings.HasSuffix(ref, "abc/report.txt") {
		t.Errorf("Put returned %q", ref)
	}

	reader, err := store.Get(ctx, "abc/report.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, _ := io.ReadAll(reader)
	reader.Close()
	if !bytes.Equal(got, data) {
		t.Errorf("Get returned %q, want %q", got, data)
	}

	if err := store.Delete(ctx, "abc/report.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "abc/report.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "abc/report.txt"); err != nil {
		t.Errorf("Delete of missing file = %v", err)
	}
}

func TestLocalStore_RejectsEscapingIDs(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	for _, id := range []string{"", "../x", "/etc/passwd", ".."} {
		if _, err := store.Put(context.Background(), id, strings.NewReader("x"), PutOptions{}); err == nil {
			t.Errorf("Put(%q) succeeded, want error", id)
		}
	}
}

type fakeS3 struct {
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	f.objects[key] = data
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	client := newFakeS3()
	store := newS3Store(client, "bond-files", "/agents/")
	ctx := context.Background()

	ref, err := store.Put(ctx, "id-1/data.csv", strings.NewReader("a,b"), PutOptions{MimeType: "text/csv"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref != "s3://bond-files/agents/id-1/data.csv" {
		t.Errorf("Put returned %q", ref)
	}
	if client.types["agents/id-1/data.csv"] != "text/csv" {
		t.Errorf("content type = %q", client.types["agents/id-1/data.csv"])
	}

	rc, err := store.Get(ctx, "id-1/data.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, _ := io.ReadAll(rc)
	if string(got) != "a,b" {
		t.Errorf("Get returned %q", got)
	}

	if err := store.Delete(ctx, "id-1/data.csv"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "id-1/data.csv"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}
