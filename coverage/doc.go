// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package coverage computes P-site-adjusted ribosome coverage profiles.

For one experiment and a read-length range [minLen, maxLen], the coverage of
transcript T is

  sum over l in [minLen, maxLen] of cov(T, l)[start - offset[l] : stop - offset[l]]

where cov(T, l) is the 5'-end coverage of reads of length l, (start, stop) is
the coding region of T and offset[l] is the P-site offset of length l.
Transcripts whose coding region starts less than max(offset) bases into the
transcript are excluded, since their shifted window would begin before
position zero.

Resolve queries the Source once for the offsets and coding regions and
bundles them into an immutable Plan. Aggregate splits the transcript list
into one contiguous batch per worker and processes the batches in parallel;
a failure on one transcript is logged and recorded as a nil profile without
affecting any other transcript.
*/
package coverage
