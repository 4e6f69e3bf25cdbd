package store

import "fmt"

// Object key layout, per spec §6:
//   {db_id}-{generation}/{key}.{ext}
// where key is the zero-padded lowercase hex of start_frame_no and
// end_frame_no separated by '-', and snapshot objects are named
// {db_id}-{generation}/db.{ext}.

func objectPrefix(dbID, generation string) string {
	return fmt.Sprintf("%s-%s/", dbID, generation)
}

func segmentKeyName(startFrameNo, endFrameNo uint64) string {
	return fmt.Sprintf("%016x-%016x", startFrameNo, endFrameNo)
}

func segmentObjectKey(dbID, generation string, startFrameNo, endFrameNo uint64, ext string) string {
	return fmt.Sprintf("%s%s.%s", objectPrefix(dbID, generation), segmentKeyName(startFrameNo, endFrameNo), ext)
}

func snapshotObjectKey(dbID, generation, ext string) string {
	return fmt.Sprintf("%sdb.%s", objectPrefix(dbID, generation), ext)
}
