package codec

// BuiltinCodecs 内置编解码器的静态列表，顺序即探测顺序
func BuiltinCodecs() []Codec {
	return []Codec{
		NewMilesightEM300(),
		NewMilesightAM300(),
		NewMilesightWS52x(),
		NewElsysERS(),
	}
}
