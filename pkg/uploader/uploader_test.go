package uploader

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gphotosync/pkg/gphotos"
	"gphotosync/pkg/gphotos/fake"
	"gphotosync/pkg/logging"
	"gphotosync/pkg/scan"
	"gphotosync/pkg/state"
	"gphotosync/pkg/ui"
)

var epoch = time.Unix(0, 0).UTC()

type fixture struct {
	client   *fake.Client
	store    *state.Store
	progress *ui.RecordingFactory
	uploader *Uploader
	now      time.Time
	mu       sync.Mutex
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		client:   fake.NewClient(),
		store:    state.NewStore(filepath.Join(t.TempDir(), "state.json")),
		progress: ui.NewRecordingFactory(),
		now:      epoch,
	}
	f.restart(t, cfg)
	return f
}

// restart 模拟新的一次运行：关闭旧编排器，重新加载持久状态
func (f *fixture) restart(t *testing.T, cfg Config) {
	t.Helper()
	if f.uploader != nil {
		f.uploader.Close()
	}
	cfg.Now = func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}
	if cfg.SaveInterval == 0 {
		cfg.SaveInterval = 10 * time.Millisecond
	}
	up, err := New(f.client, f.store, logging.Discard(), cfg)
	if err != nil {
		t.Fatalf("create uploader failed: %v", err)
	}
	f.uploader = up
	t.Cleanup(up.Close)
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) status() ui.Status {
	return f.progress.New("Uploading media files", -1)
}

func (f *fixture) persisted(t *testing.T) state.UploadState {
	t.Helper()
	f.uploader.Close()
	loaded, err := f.store.Load()
	if err != nil {
		t.Fatalf("load state failed: %v", err)
	}
	return loaded
}

func TestUploadFileCreatesMediaItem(t *testing.T) {
	f := newFixture(t, Config{Resume: true, Parallelism: 1})
	path := "/photos/holiday/a.jpg"
	seeded := f.client.SeedAlbum("holiday")
	album := &seeded
	if err := f.uploader.UploadFile(context.Background(), path, album, f.status()); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	item, ok := f.client.Item(path)
	if !ok {
		t.Fatalf("media item not created")
	}
	if item.AlbumID != "holiday" || item.Description != "a.jpg" {
		t.Fatalf("unexpected item: %+v", item)
	}

	persisted := f.persisted(t).Items[path]
	if persisted.MediaID == nil || *persisted.MediaID != path {
		t.Fatalf("mediaId not persisted: %+v", persisted)
	}
	if persisted.AlbumID == nil || *persisted.AlbumID != "holiday" {
		t.Fatalf("albumId not persisted: %+v", persisted)
	}
	if persisted.UploadState == nil || !persisted.UploadState.UploadInstant.Equal(epoch) {
		t.Fatalf("uploadState not persisted with test clock instant: %+v", persisted)
	}
}

func TestUploadFileWithoutAlbum(t *testing.T) {
	f := newFixture(t, Config{Resume: true, Parallelism: 1})
	path := "/photos/root-photo.jpg"
	if err := f.uploader.UploadFile(context.Background(), path, nil, f.status()); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	item, _ := f.client.Item(path)
	if item.AlbumID != "" {
		t.Fatalf("root file should not join an album: %+v", item)
	}
	if persisted := f.persisted(t).Items[path]; persisted.AlbumID != nil {
		t.Fatalf("albumId must stay absent: %+v", persisted)
	}
}

func TestUploadFileSkipsAlreadyCreated(t *testing.T) {
	f := newFixture(t, Config{Resume: true, Parallelism: 1})
	path := "/photos/holiday/a.jpg"
	seeded := f.client.SeedAlbum("holiday")
	album := &seeded
	if err := f.uploader.UploadFile(context.Background(), path, album, f.status()); err != nil {
		t.Fatalf("first upload failed: %v", err)
	}
	f.restart(t, Config{Resume: true, Parallelism: 1})
	if err := f.uploader.UploadFile(context.Background(), path, album, f.status()); err != nil {
		t.Fatalf("second upload failed: %v", err)
	}
	if n := f.client.UploadCount(path); n != 1 {
		t.Fatalf("resume run must not re-upload, count=%d", n)
	}
	if f.progress.Successes("Uploading media files") != 2 {
		t.Fatalf("skip should still count as success")
	}
}

func TestUploadFileSkipsWhenAlbumDiffers(t *testing.T) {
	f := newFixture(t, Config{Resume: true, Parallelism: 1})
	path := "/photos/holiday/a.jpg"
	oldAlbum := f.client.SeedAlbum("old")
	newAlbum := f.client.SeedAlbum("new")
	if err := f.uploader.UploadFile(context.Background(), path, &oldAlbum, f.status()); err != nil {
		t.Fatalf("first upload failed: %v", err)
	}
	f.restart(t, Config{Resume: true, Parallelism: 1})
	if err := f.uploader.UploadFile(context.Background(), path, &newAlbum, f.status()); err != nil {
		t.Fatalf("second upload failed: %v", err)
	}
	// 挪到了别的目录也不重新关联，保持跳过
	if n := f.client.UploadCount(path); n != 1 {
		t.Fatalf("expected skip, count=%d", n)
	}
}

func TestNoResumeReUploads(t *testing.T) {
	f := newFixture(t, Config{Resume: true, Parallelism: 1})
	path := "/photos/a.jpg"
	if err := f.uploader.UploadFile(context.Background(), path, nil, f.status()); err != nil {
		t.Fatalf("first upload failed: %v", err)
	}
	f.restart(t, Config{Resume: false, Parallelism: 1})
	if err := f.uploader.UploadFile(context.Background(), path, nil, f.status()); err != nil {
		t.Fatalf("second upload failed: %v", err)
	}
	if n := f.client.UploadCount(path); n != 2 {
		t.Fatalf("-no-resume must re-upload, count=%d", n)
	}
	if persisted := f.persisted(t).Items[path]; persisted.MediaID == nil {
		t.Fatalf("no-resume run must keep persisting: %+v", persisted)
	}
}

func TestInvalidArgumentDuringCreateWritesRejectedSentinel(t *testing.T) {
	f := newFixture(t, Config{Resume: true, Parallelism: 1})
	path := "/photos/" + fake.FailCreateMediaItemName + ".jpg"
	if err := f.uploader.UploadFile(context.Background(), path, nil, f.status()); err != nil {
		t.Fatalf("item-level failure must be absorbed: %v", err)
	}
	errs := f.progress.Errors("Uploading media files")
	if len(errs) != 1 || errs[0].Key != path || errs[0].Message != "INVALID_ARGUMENT: createMediaItems" {
		t.Fatalf("unexpected keyed errors: %+v", errs)
	}

	persisted := f.persisted(t).Items[path]
	if persisted.MediaID != nil {
		t.Fatalf("rejected entry must have no mediaId: %+v", persisted)
	}
	if persisted.UploadState == nil || persisted.UploadState.Token[:len(path)] != path {
		t.Fatalf("rejected entry must keep the upload token: %+v", persisted)
	}
	if !persisted.UploadState.UploadInstant.Equal(epoch) {
		t.Fatalf("uploadInstant should equal the test clock: %+v", persisted.UploadState)
	}
}

func TestRejectedEntryDoesNotReUploadBinaryNextRun(t *testing.T) {
	f := newFixture(t, Config{Resume: true, Parallelism: 1})
	path := "/photos/" + fake.FailCreateMediaItemName + ".jpg"
	if err := f.uploader.UploadFile(context.Background(), path, nil, f.status()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	f.client.DisableNameFailures()
	f.restart(t, Config{Resume: true, Parallelism: 1})
	if err := f.uploader.UploadFile(context.Background(), path, nil, f.status()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if n := f.client.UploadCount(path); n != 1 {
		t.Fatalf("binary must not be re-uploaded, count=%d", n)
	}
	persisted := f.persisted(t).Items[path]
	if persisted.MediaID == nil || *persisted.MediaID != path {
		t.Fatalf("second run should create the media item: %+v", persisted)
	}
}

func TestExpiredTokenCausesReUpload(t *testing.T) {
	f := newFixture(t, Config{Resume: true, Parallelism: 1})
	path := "/photos/" + fake.FailCreateMediaItemName + ".jpg"
	if err := f.uploader.UploadFile(context.Background(), path, nil, f.status()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	f.client.DisableNameFailures()
	f.advance(48 * time.Hour)
	f.restart(t, Config{Resume: true, Parallelism: 1})
	if err := f.uploader.UploadFile(context.Background(), path, nil, f.status()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if n := f.client.UploadCount(path); n != 2 {
		t.Fatalf("expired token must be discarded and binary re-uploaded, count=%d", n)
	}
}

func TestInvalidArgumentDuringUploadPersistsNothing(t *testing.T) {
	f := newFixture(t, Config{Resume: true, Parallelism: 1})
	path := "/photos/" + fake.FailUploadDataName + ".jpg"
	if err := f.uploader.UploadFile(context.Background(), path, nil, f.status()); err != nil {
		t.Fatalf("item-level failure must be absorbed: %v", err)
	}
	errs := f.progress.Errors("Uploading media files")
	if len(errs) != 1 || errs[0].Message != "INVALID_ARGUMENT: uploadMediaData" {
		t.Fatalf("unexpected keyed errors: %+v", errs)
	}
	if _, ok := f.persisted(t).Items[path]; ok {
		t.Fatalf("nothing should be persisted for upload-time rejection")
	}
}

func TestAlbumPermissionFallsBackToNoAlbum(t *testing.T) {
	f := newFixture(t, Config{Resume: true, Parallelism: 1})
	path := "/photos/fail-on-me-pre-existing-album/photoInPreExistingAlbum.jpg"
	album := &gphotos.CloudAlbum{ID: fake.NoPermissionAlbumTitle, Title: fake.NoPermissionAlbumTitle}
	if err := f.uploader.UploadFile(context.Background(), path, album, f.status()); err != nil {
		t.Fatalf("permission failure must be absorbed: %v", err)
	}
	item, ok := f.client.Item(path)
	if !ok || item.AlbumID != "" {
		t.Fatalf("item should end up with no album: %+v", item)
	}
	errs := f.progress.Errors("Uploading media files")
	if len(errs) != 1 || errs[0].Message != "INVALID_ARGUMENT: No permission to add media items to this album" {
		t.Fatalf("unexpected keyed errors: %+v", errs)
	}
	if f.client.UploadCount(path) != 1 {
		t.Fatalf("permission fallback must reuse the token, not re-upload")
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	f := newFixture(t, Config{Resume: true, Parallelism: 1, MaxRetries: 5})
	f.client.EnableResourceExhausted(2)
	path := "/photos/a.jpg"
	if err := f.uploader.UploadFile(context.Background(), path, nil, f.status()); err != nil {
		t.Fatalf("transient errors should be retried: %v", err)
	}
	if _, ok := f.client.Item(path); !ok {
		t.Fatalf("item should be created after retries")
	}
}

func TestTransientBudgetExhaustionIsFatal(t *testing.T) {
	f := newFixture(t, Config{Resume: true, Parallelism: 1, MaxRetries: 2})
	f.client.EnableResourceExhausted(10)
	if err := f.uploader.UploadFile(context.Background(), "/photos/a.jpg", nil, f.status()); err == nil {
		t.Fatalf("budget exhaustion must surface as a run-level failure")
	}
}

func TestPermanentUploadFailureIsFatal(t *testing.T) {
	f := newFixture(t, Config{Resume: true, Parallelism: 1})
	path := "/photos/" + fake.FailPermanentlyName + ".jpg"
	if err := f.uploader.UploadFile(context.Background(), path, nil, f.status()); err == nil {
		t.Fatalf("unclassified failures are fatal")
	}
	if errs := f.progress.Errors("Uploading media files"); len(errs) != 0 {
		t.Fatalf("fatal errors are not keyed errors: %+v", errs)
	}
}

func TestConcurrentUploadsOfSamePathCoalesce(t *testing.T) {
	f := newFixture(t, Config{Resume: true, Parallelism: 4})
	path := "/photos/a.jpg"
	status := f.status()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.uploader.UploadFile(context.Background(), path, nil, status)
		}()
	}
	wg.Wait()
	if n := f.client.UploadCount(path); n != 1 {
		t.Fatalf("same-path uploads must coalesce, count=%d", n)
	}
}

func TestUploadDirectoryPreservesCreationOrder(t *testing.T) {
	f := newFixture(t, Config{Resume: true, Parallelism: 1})
	dir := scan.AlbumDirectory{
		Path:  "/photos/albumWithSortedFiles",
		Title: "albumWithSortedFiles",
		Files: []scan.MediaFile{
			{Path: "/photos/albumWithSortedFiles/creation-time-2020_01_03_00_00_00.jpg"},
			{Path: "/photos/albumWithSortedFiles/creation-time-2020_01_01_00_00_00.jpg"},
			{Path: "/photos/albumWithSortedFiles/creation-time-2020_01_02_00_00_00.jpg"},
		},
	}
	album := f.client.SeedAlbum("albumWithSortedFiles")
	if err := f.uploader.UploadDirectory(context.Background(), dir, &album, f.status()); err != nil {
		t.Fatalf("upload directory failed: %v", err)
	}
	items := f.client.ItemsInAlbum(album.ID)
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, day := range []string{"01", "02", "03"} {
		want := "creation-time-2020_01_" + day + "_00_00_00.jpg"
		if filepath.Base(items[i].ID) != want {
			t.Fatalf("position %d: got %s, want %s", i, filepath.Base(items[i].ID), want)
		}
	}
}
