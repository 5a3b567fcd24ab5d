// Package componentservice implements upload, update, constraint
// checking, transform, and fetch for versioned WASM components — the
// orchestration layer over componentrepo, blobstore, and pluginpipeline.
package componentservice

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cuemby/durable-wasm/pkg/apierr"
	"github.com/cuemby/durable-wasm/pkg/blobstore"
	"github.com/cuemby/durable-wasm/pkg/componentrepo"
	"github.com/cuemby/durable-wasm/pkg/log"
	"github.com/cuemby/durable-wasm/pkg/objectstorekeys"
	"github.com/cuemby/durable-wasm/pkg/pluginpipeline"
	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/google/uuid"
)

// Analyzer extracts a component's exports, imports, dynamic-linking
// table, and declared root package from its binary. The WASM parser
// itself is an external collaborator; this package only orchestrates
// around it.
type Analyzer interface {
	Analyze(binary []byte) (types.ComponentMetadata, error)
}

// Compiler enqueues a (component_id, version) pair for compilation. It is
// satisfied by compilationqueue.Queue.
type Compiler interface {
	Enqueue(componentID string, version uint64) error
}

// InitialFile is one caller-supplied file, either inline bytes (create) or
// a pre-uploaded blob key (create_internal).
type InitialFile struct {
	Path       string
	Permission types.FilePermission
	Key        string // create_internal: must already exist in BlobStore
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	ComponentID     string
	Name            string
	Type            types.ComponentType
	Binary          []byte
	FilesArchive    []byte // zip archive; unpacked per InitialComponentFile.Path
	ExpectedFiles   []InitialFile
	InstalledPlugins []types.PluginInstallation
	DynamicLinking  []types.DynamicLinkEntry
	Env             map[string]string
}

// Service is the ComponentService operations from spec.md §4.1.
type Service struct {
	repo     componentrepo.Repo
	blobs    blobstore.Store
	pipeline *pluginpipeline.Pipeline
	analyzer Analyzer
	compiler Compiler
}

// New builds a Service.
func New(repo componentrepo.Repo, blobs blobstore.Store, pipeline *pluginpipeline.Pipeline, analyzer Analyzer, compiler Compiler) *Service {
	return &Service{repo: repo, blobs: blobs, pipeline: pipeline, analyzer: analyzer, compiler: compiler}
}

// Create uploads a new component at version 0.
func (s *Service) Create(ctx context.Context, owner types.ComponentOwner, req CreateRequest) (*types.Component, error) {
	logger := log.WithOwner(owner.Namespace())
	logger.Info().Str("component_id", req.ComponentID).Str("name", req.Name).Msg("creating component")

	metadata, err := s.analyzer.Analyze(req.Binary)
	if err != nil {
		return nil, apierr.Internal(err, "analyze component binary")
	}
	if metadata.RootPackage != "" && metadata.RootPackage != req.Name {
		return nil, apierr.BadRequest(fmt.Sprintf("declared root package %q does not match component name %q", metadata.RootPackage, req.Name))
	}

	uploadedFiles, err := s.unpackAndUploadFiles(ctx, req.FilesArchive, req.ExpectedFiles)
	if err != nil {
		return nil, err
	}

	component := types.Component{
		ComponentID: req.ComponentID,
		Name:        req.Name,
		Type:        req.Type,
		SizeBytes:   int64(len(req.Binary)),
		Files:       uploadedFiles,
		Plugins:     req.InstalledPlugins,
		Env:         req.Env,
	}
	created, err := s.repo.Create(owner, component)
	if err != nil {
		return nil, err
	}

	if err := s.transformAndActivate(ctx, owner, created.ComponentID, 0, req.Binary, metadata, req.InstalledPlugins, req.DynamicLinking); err != nil {
		return nil, err
	}

	if err := s.compiler.Enqueue(created.ComponentID, 0); err != nil {
		return nil, fmt.Errorf("enqueue compilation: %w", err)
	}

	return s.repo.Get(owner, created.ComponentID)
}

// CreateInternal is Create, but the caller guarantees every ExpectedFiles
// entry's Key already exists in BlobStore; no archive is unpacked.
func (s *Service) CreateInternal(ctx context.Context, owner types.ComponentOwner, req CreateRequest) (*types.Component, error) {
	for _, f := range req.ExpectedFiles {
		exists, err := s.blobs.Exists(ctx, f.Key)
		if err != nil {
			return nil, fmt.Errorf("check initial file %s: %w", f.Path, err)
		}
		if !exists {
			return nil, apierr.NotFound("initial component file not found: %s", f.Path)
		}
	}

	metadata, err := s.analyzer.Analyze(req.Binary)
	if err != nil {
		return nil, apierr.Internal(err, "analyze component binary")
	}
	if metadata.RootPackage != "" && metadata.RootPackage != req.Name {
		return nil, apierr.BadRequest(fmt.Sprintf("declared root package %q does not match component name %q", metadata.RootPackage, req.Name))
	}

	files := make([]types.InitialComponentFile, 0, len(req.ExpectedFiles))
	for _, f := range req.ExpectedFiles {
		perm := f.Permission
		if perm == "" {
			perm = types.FilePermissionReadOnly
		}
		files = append(files, types.InitialComponentFile{Path: f.Path, Key: f.Key, Permission: perm})
	}

	component := types.Component{
		ComponentID: req.ComponentID,
		Name:        req.Name,
		Type:        req.Type,
		SizeBytes:   int64(len(req.Binary)),
		Files:       files,
		Plugins:     req.InstalledPlugins,
		Env:         req.Env,
	}
	created, err := s.repo.Create(owner, component)
	if err != nil {
		return nil, err
	}

	if err := s.transformAndActivate(ctx, owner, created.ComponentID, 0, req.Binary, metadata, req.InstalledPlugins, req.DynamicLinking); err != nil {
		return nil, err
	}

	if err := s.compiler.Enqueue(created.ComponentID, 0); err != nil {
		return nil, fmt.Errorf("enqueue compilation: %w", err)
	}

	return s.repo.Get(owner, created.ComponentID)
}

// UpdateRequest is the input to Update.
type UpdateRequest struct {
	ComponentID    string
	Binary         []byte
	Type           *types.ComponentType
	FilesArchive   []byte
	ExpectedFiles  []InitialFile
	DynamicLinking []types.DynamicLinkEntry
	Env            map[string]string
}

// ErrConstraintConflict is returned when a new version would break a
// previously observed call site.
type ErrConstraintConflict struct {
	Report types.ConstraintConflictReport
}

func (e *ErrConstraintConflict) Error() string {
	return fmt.Sprintf("constraint conflict: %d conflicting function(s)", len(e.Report.ConflictingFunctions))
}

// Update analyses a new binary, checks it against the component's
// accumulated call-site constraints, and — if compatible — allocates the
// next version, transforms, and activates it.
func (s *Service) Update(ctx context.Context, owner types.ComponentOwner, req UpdateRequest) (*types.Component, error) {
	metadata, err := s.analyzer.Analyze(req.Binary)
	if err != nil {
		return nil, apierr.Internal(err, "analyze component binary")
	}

	constraint, err := s.repo.GetConstraint(req.ComponentID)
	if err != nil {
		return nil, err
	}

	report := checkConstraints(*constraint, metadata)
	if !report.Empty() {
		return nil, apierr.BadRequestCause(&ErrConstraintConflict{Report: report}, constraintConflictMessages(report)...)
	}

	existing, err := s.repo.Get(owner, req.ComponentID)
	if err != nil {
		return nil, err
	}

	componentType := existing.Type
	if req.Type != nil {
		componentType = *req.Type
	}

	uploadedFiles, err := s.unpackAndUploadFiles(ctx, req.FilesArchive, req.ExpectedFiles)
	if err != nil {
		return nil, err
	}

	next := types.Component{
		Name:      existing.Name,
		Type:      componentType,
		SizeBytes: int64(len(req.Binary)),
		Files:     uploadedFiles,
		Plugins:   existing.Plugins,
		Env:       req.Env,
	}
	pending, err := s.repo.Update(owner, req.ComponentID, next)
	if err != nil {
		return nil, err
	}

	if err := s.transformAndActivate(ctx, owner, req.ComponentID, pending.Version, req.Binary, metadata, existing.Plugins, req.DynamicLinking); err != nil {
		return nil, err
	}

	if err := s.compiler.Enqueue(req.ComponentID, pending.Version); err != nil {
		return nil, fmt.Errorf("enqueue compilation: %w", err)
	}

	return s.repo.Get(owner, req.ComponentID)
}

// transformAndActivate runs the plugin pipeline over binary, re-analyses
// the result (keeping the dynamic-linking table from the pre-transform
// analysis), uploads both the protected and user bytes, and activates the
// version.
func (s *Service) transformAndActivate(ctx context.Context, owner types.ComponentOwner, componentID string, version uint64, binary []byte, metadata types.ComponentMetadata, installed []types.PluginInstallation, dynamicLinking []types.DynamicLinkEntry) error {
	userKey := objectstorekeys.User(componentID, version)
	if err := s.blobs.Put(ctx, userKey, bytes.NewReader(binary)); err != nil {
		return fmt.Errorf("upload user binary: %w", err)
	}

	transformed, err := s.pipeline.Apply(ctx, owner, binary, installed)
	if err != nil {
		return err
	}

	transformedMetadata, err := s.analyzer.Analyze(transformed)
	if err != nil {
		return apierr.Internal(err, "analyze transformed component binary")
	}
	transformedMetadata.DynamicLinks = dynamicLinking
	if len(dynamicLinking) == 0 {
		transformedMetadata.DynamicLinks = metadata.DynamicLinks
	}

	protectedKey := objectstorekeys.Protected(componentID, version)
	if err := s.blobs.Put(ctx, protectedKey, bytes.NewReader(transformed)); err != nil {
		return fmt.Errorf("upload protected binary: %w", err)
	}

	return s.repo.Activate(owner, componentID, version, userKey, protectedKey, transformedMetadata)
}

// Download returns the protected bytes of a specific version.
func (s *Service) Download(ctx context.Context, owner types.ComponentOwner, componentID string, version uint64) ([]byte, error) {
	component, err := s.repo.GetByVersion(owner, componentID, version)
	if err != nil {
		return nil, err
	}
	return s.blobs.Get(ctx, component.ProtectedKey)
}

// DownloadLatest returns the protected bytes of the latest active version.
func (s *Service) DownloadLatest(ctx context.Context, owner types.ComponentOwner, componentID string) ([]byte, error) {
	component, err := s.repo.Get(owner, componentID)
	if err != nil {
		return nil, err
	}
	return s.blobs.Get(ctx, component.ProtectedKey)
}

// DownloadStream is Download, as a reader, for large binaries.
func (s *Service) DownloadStream(ctx context.Context, owner types.ComponentOwner, componentID string, version uint64) (io.Reader, error) {
	data, err := s.Download(ctx, owner, componentID, version)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// GetFileContents streams one initial file's content.
func (s *Service) GetFileContents(ctx context.Context, owner types.ComponentOwner, componentID string, version uint64, path string) ([]byte, error) {
	component, err := s.repo.GetByVersion(owner, componentID, version)
	if err != nil {
		return nil, err
	}

	for _, f := range component.Files {
		if f.Path == path {
			return s.blobs.Get(ctx, f.Key)
		}
	}
	return nil, apierr.NotFound("invalid file path: %s", path)
}

// Delete removes a component's blobs and repo rows.
func (s *Service) Delete(ctx context.Context, owner types.ComponentOwner, componentID string) error {
	logger := log.WithOwner(owner.Namespace())
	logger.Info().Str("component_id", componentID).Msg("deleting component")

	latest, err := s.repo.GetLatestVersion(owner, componentID)
	if err != nil {
		return err
	}

	for v := uint64(0); v <= latest; v++ {
		component, err := s.repo.GetByVersion(owner, componentID, v)
		if err != nil {
			continue
		}
		if component.ProtectedKey != "" {
			_ = s.blobs.Delete(ctx, component.ProtectedKey)
		}
		if component.UserKey != "" {
			_ = s.blobs.Delete(ctx, component.UserKey)
		}
		for _, f := range component.Files {
			_ = s.blobs.Delete(ctx, f.Key)
		}
	}

	return s.repo.Delete(owner, componentID)
}

// BatchUpdatePluginInstallations allocates a new version recording the
// post-action installation list, then retransforms against the user
// bytes of the current latest version.
func (s *Service) BatchUpdatePluginInstallations(ctx context.Context, owner types.ComponentOwner, componentID string, actions []componentrepo.Action) (*types.Component, error) {
	currentVersion, err := s.repo.GetLatestVersion(owner, componentID)
	if err != nil {
		return nil, err
	}
	current, err := s.repo.GetByVersion(owner, componentID, currentVersion)
	if err != nil {
		return nil, err
	}

	userBytes, err := s.blobs.Get(ctx, current.UserKey)
	if err != nil {
		return nil, fmt.Errorf("fetch user bytes for retransform: %w", err)
	}

	newVersion, err := s.repo.ApplyPluginInstallationChanges(owner, componentID, actions)
	if err != nil {
		return nil, err
	}

	plugins, err := s.repo.GetInstalledPlugins(owner, componentID, newVersion)
	if err != nil {
		return nil, err
	}

	if err := s.transformAndActivate(ctx, owner, componentID, newVersion, userBytes, current.Metadata, plugins, current.Metadata.DynamicLinks); err != nil {
		return nil, err
	}

	if err := s.compiler.Enqueue(componentID, newVersion); err != nil {
		return nil, fmt.Errorf("enqueue compilation: %w", err)
	}

	return s.repo.Get(owner, componentID)
}

// unpackAndUploadFiles extracts expected from a zip archive, normalising
// each path (back-slashes to slashes, per-segment sanitisation, must
// begin with "/"), uploads each file's bytes under a fresh blob key, and
// defaults permission to read-only. Every expected path must be present
// in the archive.
func (s *Service) unpackAndUploadFiles(ctx context.Context, archive []byte, expected []InitialFile) ([]types.InitialComponentFile, error) {
	if len(expected) == 0 {
		return nil, nil
	}
	if len(archive) == 0 {
		return nil, apierr.BadRequest("initial files requested but no archive was provided")
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, apierr.BadRequest(fmt.Sprintf("invalid zip archive: %v", err))
	}

	byNormalizedPath := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byNormalizedPath[normalizePath(f.Name)] = f
	}

	files := make([]types.InitialComponentFile, 0, len(expected))
	for _, want := range expected {
		normalized := normalizePath(want.Path)
		zf, ok := byNormalizedPath[normalized]
		if !ok {
			return nil, apierr.NotFound("initial component file not found in archive: %s", want.Path)
		}

		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("open archive entry %s: %w", want.Path, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read archive entry %s: %w", want.Path, err)
		}

		perm := want.Permission
		if perm == "" {
			perm = types.FilePermissionReadOnly
		}

		key := "file-" + uuid.NewString()
		if err := s.blobs.Put(ctx, key, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("upload initial file %s: %w", normalized, err)
		}

		files = append(files, types.InitialComponentFile{
			Path:       normalized,
			Key:        key,
			Permission: perm,
		})
	}

	return files, nil
}

// normalizePath converts back-slashes to forward slashes, strips empty
// and "." segments, and ensures a single leading slash.
func normalizePath(path string) string {
	path = strings.ReplaceAll(path, `\`, "/")
	segments := strings.Split(path, "/")

	clean := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "" || seg == "." {
			continue
		}
		clean = append(clean, seg)
	}

	return "/" + strings.Join(clean, "/")
}

// checkConstraints implements the conflict algorithm from spec.md §4.1:
// for each constrained signature, look up the function in the new
// registry and report Missing, ParameterTypeConflict, or
// ReturnTypeConflict.
func checkConstraints(constraint types.ComponentConstraint, metadata types.ComponentMetadata) types.ConstraintConflictReport {
	exports := make(map[string]types.FunctionSignature, len(metadata.Exports))
	for _, fn := range metadata.Exports {
		exports[fn.Key()] = fn
	}

	var conflicts []types.ConflictingFunction
	for name, want := range constraint.Functions {
		got, ok := exports[name]
		if !ok {
			conflicts = append(conflicts, types.ConflictingFunction{Function: name, Kind: types.ConflictMissing})
			continue
		}
		if !equalStrings(want.ParameterTypes, got.ParameterTypes) {
			conflicts = append(conflicts, types.ConflictingFunction{
				Function: name,
				Kind:     types.ConflictParameterTypeMismatch,
				ParameterTypeConflict: &types.ParameterTypeConflict{
					Existing: want.ParameterTypes,
					New:      got.ParameterTypes,
				},
			})
			continue
		}
		if want.ReturnType != got.ReturnType {
			conflicts = append(conflicts, types.ConflictingFunction{
				Function: name,
				Kind:     types.ConflictReturnTypeMismatch,
				ReturnTypeConflict: &struct{ Existing, New string }{
					Existing: want.ReturnType,
					New:      got.ReturnType,
				},
			})
		}
	}

	return types.ConstraintConflictReport{ConflictingFunctions: conflicts}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func constraintConflictMessages(report types.ConstraintConflictReport) []string {
	msgs := make([]string, 0, len(report.ConflictingFunctions))
	for _, c := range report.ConflictingFunctions {
		msgs = append(msgs, fmt.Sprintf("%s: %s", c.Function, c.Kind))
	}
	return msgs
}
