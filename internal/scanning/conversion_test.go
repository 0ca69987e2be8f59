package scanning

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func sampleImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 60), B: 100, A: 255})
		}
	}
	return img
}

func encodePNG() []byte {
	var buf bytes.Buffer
	Expect(png.Encode(&buf, sampleImage())).To(Succeed())
	return buf.Bytes()
}

func encodeJPEG() []byte {
	var buf bytes.Buffer
	Expect(jpeg.Encode(&buf, sampleImage(), nil)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Decomposer", func() {
	var (
		decomposer *Decomposer
		doc        Document
		pages      [][]byte
		count      int
	)

	BeforeEach(func() {
		decomposer = NewDecomposer()
	})

	JustBeforeEach(func() {
		count = decomposer.Count(doc)
		pages = decomposer.Decompose(context.Background(), doc)
	})

	When("the document is a PNG", func() {
		BeforeEach(func() {
			doc = Document{Name: "invoice.png", ContentType: "image/png", Data: encodePNG()}
		})

		It("should count one unit", func() {
			Expect(count).To(Equal(1))
		})

		It("should return the image unchanged", func() {
			Expect(pages).To(HaveLen(1))
			Expect(pages[0]).To(Equal(doc.Data))
		})
	})

	When("the document is a JPEG", func() {
		BeforeEach(func() {
			doc = Document{Name: "invoice.jpg", ContentType: "image/jpeg", Data: encodeJPEG()}
		})

		It("should convert it to PNG", func() {
			Expect(pages).To(HaveLen(1))
			_, format, err := image.Decode(bytes.NewReader(pages[0]))
			Expect(err).NotTo(HaveOccurred())
			Expect(format).To(Equal("png"))
		})
	})

	When("the image is corrupt", func() {
		BeforeEach(func() {
			doc = Document{Name: "broken.jpg", ContentType: "image/jpeg", Data: []byte("not an image")}
		})

		It("should still count one unit", func() {
			Expect(count).To(Equal(1))
		})

		It("should yield no pages", func() {
			Expect(pages).To(BeEmpty())
		})
	})

	When("the PDF is corrupt", func() {
		BeforeEach(func() {
			doc = Document{Name: "broken.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4 ... fake pdf content ...")}
		})

		It("should count zero units", func() {
			Expect(count).To(BeZero())
		})

		It("should yield no pages", func() {
			Expect(pages).To(BeEmpty())
		})
	})
})

var _ = Describe("isHEICFormat", func() {
	It("should detect the ftyp brand", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypheic0000")...)
		Expect(isHEICFormat(data)).To(BeTrue())
	})

	It("should reject short data", func() {
		Expect(isHEICFormat([]byte("ftyp"))).To(BeFalse())
	})

	It("should reject other formats", func() {
		Expect(isHEICFormat(encodePNG())).To(BeFalse())
	})
})
