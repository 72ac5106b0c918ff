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
bio-ribo computes P-site-adjusted ribosome coverage profiles from
ribosome-profiling data.

The data lives in a ribo archive, built from transcriptome-aligned BAM files
(one per experiment). For an experiment and a read length range, the coverage
command shifts every transcript's per-length 5'-end coverage by the P-site
offset of that length, restricts it to the coding region, and sums it over all
lengths. The result holds one vector per transcript, or nothing for
transcripts whose coding region starts before the largest offset.

Sample usage:
bio-ribo build -min-len 26 -max-len 32 out.ribo WT_1=wt1.bam KO_1=ko1.bam
bio-ribo offsets out.ribo WT_1
bio-ribo coverage -min-len 26 -max-len 30 -out results out.ribo WT_1
bio-ribo view results/coverage_WT_1_26-30.rio
*/
package main
