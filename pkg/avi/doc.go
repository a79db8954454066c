// SPDX-License-Identifier: GPL-2.0-or-later

// Package avi writes and repairs RIFF/AVI files containing a single
// MJPEG video stream.
//
// The container is built incrementally. Fields that are only known once
// the recording ends are written as zero placeholders and patched in
// place when the file is finalized.
//
// File layout, all sizes little-endian:
//
//     Offset  Content
//     0       'RIFF'
//     4       riff size               <- patched
//     8       'AVI '
//     12      'LIST' 192 'hdrl'
//     24      'avih' 56 <56 bytes>
//       48      dwTotalFrames         <- patched
//     88      'LIST' 116 'strl'
//     100     'strh' 56 <56 bytes>
//       140     dwLength              <- patched
//     164     'strf' 40 <BITMAPINFOHEADER>
//     212     'LIST'
//     216     movi size               <- patched
//     220     'movi'
//     224     frames: '00dc' size <jpeg> [pad]
//     ...     'idx1' seek index (optional)
//
// A file whose dwTotalFrames is still zero was never finalized and is
// recovered by TryRepair on the next start.
package avi
