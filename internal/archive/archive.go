// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package archive implements the remote artifact store capability:
// package blob transfer plus live-build-id translation. Blob transfer
// follows the same local/GCS storage-backend shape a build service would
// use, and the live-id cache follows the same PostgreSQL pool/migration
// pattern, with the schema replaced end to end: rather than build/package
// job records, this package stores opaque content-addressed package
// tarballs and a live-id -> real-id map.
package archive

import (
	"github.com/bobbuildtool/bob/internal/bstep"
)

// LiveIDCache translates a cheap SCM-predicted live-build-id into the real
// build-id it eventually resolved to. A nil LiveIDCache means the archive
// doesn't support live-id translation at all — CanDownloadLocal/
// CanUploadLocal report false.
type LiveIDCache interface {
	Lookup(liveID string) (bstep.Digest, bool, error)
	Store(liveID string, real bstep.Digest) error
}

// DepthLimits configures how deep into the dependency tree an archive
// participates. A package
// step at depth d is only offered for download when d >= the mode's
// computed threshold (that threshold is the executor's job to compute via
// its DownloadMode; DepthLimits here instead bounds how far an archive
// itself is willing to transfer regardless of mode, e.g. an operator
// capping upload traffic to near-root packages only).
type DepthLimits struct {
	// MaxDownloadDepth and MaxUploadDepth are inclusive; steps deeper than
	// the limit are never offered. Zero means "no limit".
	MaxDownloadDepth int
	MaxUploadDepth   int
}

func (d DepthLimits) wantDownload(depth int) bool {
	return d.MaxDownloadDepth == 0 || depth <= d.MaxDownloadDepth
}

func (d DepthLimits) wantUpload(depth int) bool {
	return d.MaxUploadDepth == 0 || depth <= d.MaxUploadDepth
}

// Unlimited is the zero value of DepthLimits: every depth is wanted.
var Unlimited = DepthLimits{}

// base composes the depth-gating and live-id-cache behavior shared by
// every concrete archive backend, so Local and GCS only need to implement
// their own blob transfer.
type base struct {
	depths DepthLimits
	liveID LiveIDCache
}

func (b *base) WantDownload(depth int) bool { return b.depths.wantDownload(depth) }
func (b *base) WantUpload(depth int) bool   { return b.depths.wantUpload(depth) }

func (b *base) CanDownloadLocal() bool { return b.liveID != nil }
func (b *base) CanUploadLocal() bool   { return b.liveID != nil }

func (b *base) DownloadLocalLiveBuildID(liveID string) (bstep.Digest, bool, error) {
	if b.liveID == nil {
		return bstep.Digest{}, false, nil
	}
	return b.liveID.Lookup(liveID)
}

func (b *base) UploadLocalLiveBuildID(liveID string, realID bstep.Digest) error {
	if b.liveID == nil {
		return nil
	}
	return b.liveID.Store(liveID, realID)
}

// objectName is the blob filename/object key for a package build-id, used
// identically by the local and GCS backends.
func objectName(buildID bstep.Digest) string {
	return buildID.String() + ".tar.xz"
}
