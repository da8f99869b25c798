package staging

// CopyRows copies rows of rowSize bytes from src to dst, where consecutive rows start srcPitch and
// dstPitch bytes apart respectively. The padding between rows in dst is left untouched.
func CopyRows(dst []byte, dstPitch int, src []byte, srcPitch int, rowSize int, rows int) {
	if dstPitch == rowSize && srcPitch == rowSize {
		copy(dst[:rowSize*rows], src[:rowSize*rows])
		return
	}

	for row := 0; row < rows; row++ {
		copy(dst[row*dstPitch:row*dstPitch+rowSize], src[row*srcPitch:row*srcPitch+rowSize])
	}
}
