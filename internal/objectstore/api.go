package objectstore

import "encoding/xml"

// listBucketResultV2 is the subset of the ListObjectsV2 response we read.
type listBucketResultV2 struct {
	XMLName               xml.Name        `xml:"ListBucketResult"`
	Name                  string          `xml:"Name"`
	Prefix                string          `xml:"Prefix"`
	KeyCount              int             `xml:"KeyCount"`
	MaxKeys               int             `xml:"MaxKeys"`
	IsTruncated           bool            `xml:"IsTruncated"`
	ContinuationToken     string          `xml:"ContinuationToken,omitempty"`
	NextContinuationToken string          `xml:"NextContinuationToken,omitempty"`
	Contents              []objectSummary `xml:"Contents"`
}

type objectSummary struct {
	Key  string `xml:"Key"`
	Size int64  `xml:"Size"`
}

// s3Error is the XML body S3-compatible stores return on failure.
type s3Error struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}
