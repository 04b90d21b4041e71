/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package checks implements the twelve independent cross-invariant checks
spec.md §4.10 requires of a completed session, modeled on
calnex/verify/checks.Check (trimmed to Name/Run since audit never
remediates).
*/
package checks

import (
	"github.com/facebook/powerbench/descriptor"
)

// Check abstracts one independent audit invariant.
type Check interface {
	Name() string
	Run(ctx *Context) error
}

// Context carries everything a check needs: both descriptors, the
// session directory, and the sources directory the descriptors'
// `sources` digest map was computed against.
type Context struct {
	SessionDir string
	SourcesDir string
	Client     *descriptor.Descriptor
	Server     *descriptor.Descriptor
}
