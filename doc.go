// Package tape streams a file tree onto a sequential block device as a tar
// archive.
//
// A [Writer] runs two workers connected by a bounded block buffer: a
// producer that renders the tree as a tar stream cut into fixed-size
// blocks, and a consumer that writes those blocks to a [device.Device].
// The consumer is held back until the buffer is nearly full so the drive
// streams at its native rate instead of repeatedly stopping and
// repositioning.
//
// Each file's content is hashed as it is archived and the digest is
// stored on the [File]. The whole block stream is hashed separately; that
// digest identifies the archive on tape and is what [Verify] checks.
//
// # Quick Start
//
//	dev, err := device.Open("/dev/nst0", 64*1024, device.WithCompression(true))
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//
//	w := tape.New(dev, tape.WithLogger(logger))
//	res, err := w.Write(ctx, tree)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.ArchiveDigest)
//
// # Progress
//
// Use [WithProgress] or [WithProgressFunc] to receive a [Progress]
// snapshot every poll interval and once more when the run ends.
//
// # Layout on tape
//
// Write appends at the current position: the archive, a filemark, and,
// when enabled, an index record followed by a second filemark. Use
// [ReadIndex] and [Verify] with the tape file number to read them back.
package tape
