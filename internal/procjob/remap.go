package procjob

// labelRemapTable is the static lookup from segmentation label to the
// second simulator's tissue code, per spec §9: source labels 1..11 map to
// {WM=1, GM=2, CSF=3, skull=4 for {4,5}, scalp=5 for {6,8,9}, eyes=6 for
// {11}, background=0 for {7,10}}. Index 0 (background) maps to itself.
var labelRemapTable = [12]byte{
	0: 0,
	1: 1, // WM
	2: 2, // GM
	3: 3, // CSF
	4: 4, // skull
	5: 4, // skull
	6: 5, // scalp
	7: 0, // background
	8: 5, // scalp
	9: 5, // scalp
	10: 0, // background
	11: 6, // eyes
}

// RemapLabels returns a copy of a raw 8-bit label volume rewritten according
// to labelRemapTable; the input slice is not modified. Values outside the table's domain are mapped to
// background (0) rather than left unmapped, since an out-of-range source
// label can never correspond to a known tissue. The caller is responsible
// for regenerating the destination header's dtype from the rewritten data
// rather than inheriting the source header's, per spec §9.
func RemapLabels(labels []byte) []byte {
	out := make([]byte, len(labels))
	for i, v := range labels {
		if int(v) < len(labelRemapTable) {
			out[i] = labelRemapTable[v]
		}
	}
	return out
}
