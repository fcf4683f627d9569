package dpu

// SetInputInt8 copies fixed-point data into input idx of node. len(data)
// must equal the tensor size.
func (t *Task) SetInputInt8(node string, idx int, layout Layout, data []int8) error {
	const op = "set input tensor"
	tv, err := t.InputTensor(node, idx)
	if err != nil {
		return err
	}
	if len(data) != tv.Size() {
		return newError(KindSizeMismatch, op, "node %q input %d holds %d elements, got %d", node, idx, tv.Size(), len(data))
	}
	if err := t.begin(op); err != nil {
		return err
	}
	defer t.mu.Unlock()
	t.kernel.sealMean()

	dst := tv.data
	if layout == LayoutHWC {
		copy(dst, data)
		return nil
	}
	s := tv.shape
	for i, v := range data {
		dst[hwcIndex(i, s.Height, s.Width, s.Channel)] = v
	}
	return nil
}

// SetInputFP32 subtracts the kernel mean, quantizes with the tensor scale and
// stores the result into input idx of node. len(data) must equal the tensor
// element count.
func (t *Task) SetInputFP32(node string, idx int, layout Layout, data []float32) error {
	const op = "set input tensor"
	tv, err := t.InputTensor(node, idx)
	if err != nil {
		return err
	}
	if len(data) != tv.Size() {
		return newError(KindSizeMismatch, op, "node %q input %d holds %d elements, got %d", node, idx, tv.Size(), len(data))
	}
	if err := t.begin(op); err != nil {
		return err
	}
	defer t.mu.Unlock()
	mean := t.kernel.sealMean()

	dst, s, scale := tv.data, tv.shape, tv.scale
	if layout == LayoutHWC {
		for i, v := range data {
			dst[i] = quantize(v-channelMean(mean, i%s.Channel), scale)
		}
		return nil
	}
	plane := s.Height * s.Width
	for i, v := range data {
		dst[hwcIndex(i, s.Height, s.Width, s.Channel)] = quantize(v-channelMean(mean, i/plane), scale)
	}
	return nil
}

// GetOutputInt8 copies output idx of node into buf in the requested layout.
func (t *Task) GetOutputInt8(node string, idx int, layout Layout, buf []int8) error {
	const op = "get output tensor"
	tv, err := t.OutputTensor(node, idx)
	if err != nil {
		return err
	}
	if len(buf) != tv.Size() {
		return newError(KindSizeMismatch, op, "node %q output %d holds %d elements, buffer has %d", node, idx, tv.Size(), len(buf))
	}
	if err := t.begin(op); err != nil {
		return err
	}
	defer t.mu.Unlock()

	src := tv.data
	if layout == LayoutHWC {
		copy(buf, src)
		return nil
	}
	s := tv.shape
	for i := range buf {
		buf[i] = src[hwcIndex(i, s.Height, s.Width, s.Channel)]
	}
	return nil
}

// GetOutputFP32 dequantizes output idx of node into buf in the requested layout.
func (t *Task) GetOutputFP32(node string, idx int, layout Layout, buf []float32) error {
	const op = "get output tensor"
	tv, err := t.OutputTensor(node, idx)
	if err != nil {
		return err
	}
	if len(buf) != tv.Size() {
		return newError(KindSizeMismatch, op, "node %q output %d holds %d elements, buffer has %d", node, idx, tv.Size(), len(buf))
	}
	if err := t.begin(op); err != nil {
		return err
	}
	defer t.mu.Unlock()

	src, s, scale := tv.data, tv.shape, tv.scale
	if layout == LayoutHWC {
		for i, q := range src {
			buf[i] = dequantize(q, scale)
		}
		return nil
	}
	for i := range buf {
		buf[i] = dequantize(src[hwcIndex(i, s.Height, s.Width, s.Channel)], scale)
	}
	return nil
}

func (t *Task) SetInputTensorCHWInt8(node string, data []int8, idx int) error {
	return t.SetInputInt8(node, idx, LayoutCHW, data)
}

func (t *Task) SetInputTensorCHWFP32(node string, data []float32, idx int) error {
	return t.SetInputFP32(node, idx, LayoutCHW, data)
}

func (t *Task) SetInputTensorHWCInt8(node string, data []int8, idx int) error {
	return t.SetInputInt8(node, idx, LayoutHWC, data)
}

func (t *Task) SetInputTensorHWCFP32(node string, data []float32, idx int) error {
	return t.SetInputFP32(node, idx, LayoutHWC, data)
}

func (t *Task) GetOutputTensorCHWInt8(node string, buf []int8, idx int) error {
	return t.GetOutputInt8(node, idx, LayoutCHW, buf)
}

func (t *Task) GetOutputTensorCHWFP32(node string, buf []float32, idx int) error {
	return t.GetOutputFP32(node, idx, LayoutCHW, buf)
}

func (t *Task) GetOutputTensorHWCInt8(node string, buf []int8, idx int) error {
	return t.GetOutputInt8(node, idx, LayoutHWC, buf)
}

func (t *Task) GetOutputTensorHWCFP32(node string, buf []float32, idx int) error {
	return t.GetOutputFP32(node, idx, LayoutHWC, buf)
}
